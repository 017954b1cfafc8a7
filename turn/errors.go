package turn

import "github.com/m4xw311/parley/errors"

// InterruptedMessage is the error text given to tool calls that were still
// in flight when their turn was cancelled.
const InterruptedMessage = "Tool execution was interrupted"

var (
	// ErrAborted reports a cancelled turn. It is not a failure; callers
	// reconstruct the partial turn with Reconstruct.
	ErrAborted = errors.Sentinel("turn aborted")
	// ErrNoApprovalResponder reports approvals requested while no responder
	// is configured.
	ErrNoApprovalResponder = errors.Sentinel("tool approval requested but no approval responder is configured")
	// ErrMaxSteps reports a turn that still had work pending after the step
	// limit.
	ErrMaxSteps = errors.Sentinel("maximum number of steps reached")
	// ErrTurnInProgress is returned by Run on a driver that is already
	// running a turn.
	ErrTurnInProgress = errors.Sentinel("a turn is already in progress")
	// ErrUnknownApproval reports a response for an approval id outside the
	// current batch.
	ErrUnknownApproval = errors.Sentinel("response for unknown approval")
	// ErrToolInterrupted is the error of a tool call interrupted by
	// cancellation.
	ErrToolInterrupted = errors.Sentinel(InterruptedMessage)
)

// IsAbort reports whether err is a cancellation rather than a failure.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted)
}
