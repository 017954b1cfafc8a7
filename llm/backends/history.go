package backends

import (
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
)

// modelHistory prepares history for a backend: system messages and approval
// responses are dropped (the model only sees results), empty messages are
// removed, and consecutive messages with the same role are merged.
func modelHistory(msgs []message.Message) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			continue
		}
		parts := make([]message.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Type == message.PartToolApprovalResponse {
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, message.Message{Role: m.Role, Parts: parts})
	}
	return out
}

func discard(emit func(llm.Event)) func(llm.Event) {
	if emit == nil {
		return func(llm.Event) {}
	}
	return emit
}
