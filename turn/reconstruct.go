package turn

import (
	"github.com/m4xw311/parley/message"
)

// Reconstruct turns the blocks of an interrupted turn into display blocks
// that can be persisted and a message history every provider accepts.
//
// In-flight tool calls and running sub-steps are marked failed and every
// call gets a result. Text and reasoning accumulate into an assistant
// message; each tool block adds its call to that message and its result to
// a pending tool message, and both are flushed when the next text or
// reasoning block begins. Tool blocks without an id stay in the display but
// cannot be replayed and are left out of the messages.
func Reconstruct(blocks []ContentBlock) ([]ContentBlock, []message.Message) {
	sanitized := make([]ContentBlock, len(blocks))
	for i := range blocks {
		sanitized[i] = blocks[i].clone()
		if b := &sanitized[i]; b.Type == BlockTool && b.Tool != nil {
			interrupt(b)
		}
	}

	var (
		msgs      []message.Message
		assistant []message.Part
		results   []message.Part
	)
	flush := func() {
		if len(assistant) > 0 {
			msgs = append(msgs, message.Message{Role: message.RoleAssistant, Parts: assistant})
			assistant = nil
		}
		if len(results) > 0 {
			msgs = append(msgs, message.Message{Role: message.RoleTool, Parts: results})
			results = nil
		}
	}

	for i := range sanitized {
		b := &sanitized[i]
		switch b.Type {
		case BlockReasoning, BlockText:
			if b.Text == "" {
				continue
			}
			if len(results) > 0 {
				flush()
			}
			if b.Type == BlockReasoning {
				assistant = append(assistant, message.Reasoning(b.Text))
			} else {
				assistant = append(assistant, message.Text(b.Text))
			}
		case BlockTool:
			if b.Tool == nil || b.Tool.ID == "" {
				continue
			}
			assistant = append(assistant, message.ToolCall(b.Tool.ID, b.Tool.Name, b.Tool.Input))
			results = append(results, message.ToolResult(b.Tool.ID, b.Tool.Name, resultOutput(b)))
		}
	}
	flush()
	return sanitized, msgs
}

// interrupt forces an in-flight call and its running sub-steps to failed.
func interrupt(b *ContentBlock) {
	call := b.Tool
	for i := range call.SubSteps {
		if s := call.SubSteps[i].Status; s == "running" || s == "pending" {
			call.SubSteps[i].Status = string(StatusFailed)
		}
	}
	if call.Status.InFlight() {
		call.Status = StatusFailed
		call.Error = InterruptedMessage
	}
}

func resultOutput(b *ContentBlock) *message.ToolOutput {
	switch {
	case b.Tool.Status == StatusFailed && b.Tool.Approval == Denied && len(b.Result) > 0:
		return &message.ToolOutput{Type: message.OutputText, Value: cloneRaw(b.Result)}
	case b.Tool.Status == StatusFailed:
		errText := b.Tool.Error
		if errText == "" {
			errText = InterruptedMessage
		}
		return message.ErrorOutput(errText)
	case len(b.Result) > 0:
		return message.JSONOutput(b.Result)
	default:
		return message.ErrorOutput(InterruptedMessage)
	}
}
