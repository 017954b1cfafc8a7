package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/turn"
)

type section int

const (
	sectionNone section = iota
	sectionText
	sectionReasoning
)

// renderer prints the events of one turn as they stream.
type renderer struct {
	out       io.Writer
	styles    styles
	verbosity agent.ToolVerbosity

	section section
	// seen holds the last printed status of each call.
	seen map[string]turn.ToolStatus
}

func (r *renderer) callbacks() turn.Callbacks {
	return turn.Callbacks{
		OnTextDelta:      r.text,
		OnReasoningDelta: r.reasoning,
		OnToolUpdate:     r.tool,
		OnError: func(err error) {
			r.endSection()
			fmt.Fprintln(r.out, r.styles.failed.Render(fmt.Sprintf("Stream error: %v", err)))
		},
	}
}

func (r *renderer) text(delta string) {
	if r.section != sectionText {
		r.endSection()
		fmt.Fprint(r.out, r.styles.assistant.Render("Parley: "))
		r.section = sectionText
		delta = strings.TrimLeft(delta, " \n")
	}
	fmt.Fprint(r.out, delta)
}

func (r *renderer) reasoning(delta string) {
	if r.verbosity == agent.ToolVerbosityNone {
		return
	}
	if r.section != sectionReasoning {
		r.endSection()
		fmt.Fprint(r.out, r.styles.thinking.Render("Thinking: "))
		r.section = sectionReasoning
	}
	fmt.Fprint(r.out, r.styles.thinking.Render(delta))
}

func (r *renderer) tool(call turn.ToolCall) {
	if call.Status == turn.StatusStreaming {
		return
	}
	key := call.ID
	if key == "" {
		key = call.Name
	}
	if r.seen[key] == call.Status && call.Status != turn.StatusRunning {
		return
	}
	r.seen[key] = call.Status
	line := r.toolLine(call)
	if line == "" {
		return
	}
	r.endSection()
	fmt.Fprintln(r.out, line)
}

// toolLine describes a call according to the verbosity, or returns "" when
// nothing should be shown.
func (r *renderer) toolLine(call turn.ToolCall) string {
	if r.verbosity == agent.ToolVerbosityNone {
		return ""
	}
	var b strings.Builder
	switch call.Status {
	case turn.StatusCompleted:
		b.WriteString(r.styles.ok.Render("✓ " + call.Name))
	case turn.StatusFailed:
		b.WriteString(r.styles.failed.Render("✗ " + call.Name))
	case turn.StatusAwaitingApproval:
		b.WriteString(r.styles.approval.Render("? " + call.Name))
	default:
		b.WriteString(r.styles.tool.Render("⏺ " + call.Name))
	}
	if r.verbosity == agent.ToolVerbosityAll {
		if args := compactJSON(call.Input); args != "" {
			b.WriteString(" " + r.styles.muted.Render(args))
		}
	}
	if n := len(call.SubSteps); n > 0 {
		fmt.Fprintf(&b, " (%d steps)", n)
	}
	if call.Status == turn.StatusFailed && call.Error != "" {
		b.WriteString(": " + call.Error)
	}
	return b.String()
}

func (r *renderer) endSection() {
	if r.section != sectionNone {
		fmt.Fprintln(r.out)
		r.section = sectionNone
	}
}
