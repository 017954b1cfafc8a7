// Package agent ties the turn engine to the rest of parley.
//
// It holds the pieces shared by the interaction modes (terminal CLI and ACP
// server): the configured provider, the active tools, the session, and the
// approval policy. Each front end supplies its own turn.Callbacks to render
// events and its own turn.ApprovalResponder to collect decisions.
//
// # Usage
//
//	provider, release, err := agent.NewProvider(ctx, cfg, logger)
//	if err != nil {
//	    // handle error
//	}
//	defer release()
//
//	a, err := agent.New(ctx, cfg, sess, toolset, agent.ModePrompt, provider, agent.ToolVerbosityInfo, logger)
//	if err != nil {
//	    // handle error
//	}
//	defer a.Close()
//
//	outcome, err := a.ProcessUserInput(ctx, "user message", callbacks, responder)
//
// Cancelling ctx interrupts the turn. The partial turn is reconstructed into
// a well-formed history, saved, and reported through Outcome.Interrupted.
//
// # Modes
//
//   - ModeAuto: tools run without confirmation
//   - ModePrompt: calls to tools matching the configured approval patterns
//     wait for the responder
//
// # Tool Verbosity
//
//   - ToolVerbosityNone: no tool details are shown
//   - ToolVerbosityInfo: tool names and status are shown
//   - ToolVerbosityAll: arguments and results are shown as well
//
// # Subpackages
//
// agent/terminal: interactive command-line interface with live rendering,
// y/n approvals, and Ctrl+C to interrupt a turn.
//
// agent/acp: Agent Client Protocol server for IDE integration over stdio
// JSON-RPC, with permission requests and session/cancel.
package agent
