package message

// SanitizeToolPairs removes tool-call parts without a matching tool-result
// (or pending approval response) and tool-result parts without a matching
// tool-call. Messages left without parts are dropped. The input slice is not
// modified. The second return value is the number of parts removed.
func SanitizeToolPairs(history []Message) ([]Message, int) {
	calls := make(map[string]bool)
	answered := make(map[string]bool)
	for _, m := range history {
		for _, p := range m.Parts {
			if p.ToolCallID == "" {
				continue
			}
			switch p.Type {
			case PartToolCall:
				calls[p.ToolCallID] = true
			case PartToolResult, PartToolApprovalResponse:
				answered[p.ToolCallID] = true
			}
		}
	}

	orphans := 0
	for _, m := range history {
		for _, p := range m.Parts {
			if isOrphan(p, calls, answered) {
				orphans++
			}
		}
	}
	if orphans == 0 {
		return history, 0
	}

	out := make([]Message, 0, len(history))
	for _, m := range history {
		kept := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if !isOrphan(p, calls, answered) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			out = append(out, Message{Role: m.Role, Parts: kept})
		}
	}
	return out, orphans
}

func isOrphan(p Part, calls, answered map[string]bool) bool {
	if p.ToolCallID == "" {
		return false
	}
	switch p.Type {
	case PartToolCall:
		return !answered[p.ToolCallID]
	case PartToolResult, PartToolApprovalResponse:
		return !calls[p.ToolCallID]
	}
	return false
}

// Unanswered returns the tool-call parts in history that have neither a
// tool-result nor an approval response.
func Unanswered(history []Message) []Part {
	answered := make(map[string]bool)
	for _, m := range history {
		for _, p := range m.Parts {
			if p.Type == PartToolResult || p.Type == PartToolApprovalResponse {
				answered[p.ToolCallID] = true
			}
		}
	}
	var out []Part
	for _, m := range history {
		for _, p := range m.Parts {
			if p.Type == PartToolCall && !answered[p.ToolCallID] {
				out = append(out, p)
			}
		}
	}
	return out
}
