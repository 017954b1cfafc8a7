package terminal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/turn"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent    *agent.Agent
	in       io.Reader
	out      io.Writer
	styles   styles
	markdown *glamour.TermRenderer

	lines *lineReader
	// interrupt derives the context of one turn; Ctrl+C cancels it.
	interrupt func(context.Context) (context.Context, context.CancelFunc)
}

// New creates a Terminal reading from in and writing to out.
func New(a *agent.Agent, in io.Reader, out io.Writer) *Terminal {
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		md = nil
	}
	return &Terminal{
		agent:    a,
		in:       in,
		out:      out,
		styles:   defaultStyles(),
		markdown: md,
		interrupt: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
}

// Run starts the interactive terminal session. It returns nil at end of
// input or on /quit and /exit.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	t.lines = newLineReader(t.in)
	defer t.lines.close()

	if initialPrompt != "" {
		t.handle(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, t.styles.user.Render("You: "))
		line, err := t.lines.next(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(t.out)
			return nil
		}
		if err != nil {
			return err
		}

		userInput := strings.TrimSpace(line)
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			return nil
		}
		t.handle(ctx, userInput)
	}
}

func (t *Terminal) handle(ctx context.Context, userInput string) {
	if err := t.processTurn(ctx, userInput); err != nil {
		fmt.Fprintln(t.out, t.styles.failed.Render(fmt.Sprintf("Error: %v", err)))
	}
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	turnCtx, stop := t.interrupt(ctx)
	defer stop()

	r := &renderer{out: t.out, styles: t.styles, verbosity: t.agent.Verbosity, seen: make(map[string]turn.ToolStatus)}
	outcome, err := t.agent.ProcessUserInput(turnCtx, userInput, r.callbacks(), turn.ApprovalResponderFunc(t.approve))
	r.endSection()
	if outcome != nil && outcome.Interrupted && err == nil {
		fmt.Fprintln(t.out, t.styles.muted.Render("Interrupted."))
	}
	return err
}

// approve asks about each request in turn. Running out of input denies the
// remaining requests.
func (t *Terminal) approve(ctx context.Context, requests []llm.ApprovalRequest, respond func(...llm.ApprovalResponse)) {
	for i, req := range requests {
		fmt.Fprintf(t.out, "%s `%s`", t.styles.approval.Render("Parley wants to call tool"), req.ToolName)
		if args := compactJSON(req.Input); args != "" {
			fmt.Fprintf(t.out, " with args: %s", args)
		}
		fmt.Fprint(t.out, "\nDo you want to allow this? (y/n): ")

		line, err := t.lines.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			for _, rest := range requests[i:] {
				respond(llm.ApprovalResponse{ApprovalID: rest.ApprovalID, Reason: "No answer was given."})
			}
			return
		}
		approved, reason := parseAnswer(line)
		respond(llm.ApprovalResponse{ApprovalID: req.ApprovalID, Approved: approved, Reason: reason})
	}
}

// parseAnswer reads "y"/"yes" as approval. Anything else denies, and text
// after a leading "n" or "no" becomes the reason given to the model.
func parseAnswer(line string) (approved bool, reason string) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes":
		return true, ""
	case "n", "no":
		return false, strings.TrimSpace(rest)
	}
	return false, ""
}

// Replay prints the saved turns of the agent's session.
func (t *Terminal) Replay() {
	r := &renderer{out: t.out, styles: t.styles, verbosity: t.agent.Verbosity}
	for _, past := range t.agent.Session.Turns {
		fmt.Fprintln(t.out, t.styles.user.Render("You: ")+past.Prompt)
		for _, b := range past.Blocks {
			switch b.Type {
			case turn.BlockText:
				fmt.Fprintln(t.out, t.styles.assistant.Render("Parley:"))
				fmt.Fprintln(t.out, t.render(b.Text))
			case turn.BlockReasoning:
				if t.agent.Verbosity != agent.ToolVerbosityNone {
					fmt.Fprintln(t.out, t.styles.thinking.Render(strings.TrimSpace(b.Text)))
				}
			case turn.BlockTool:
				if line := r.toolLine(*b.Tool); line != "" {
					fmt.Fprintln(t.out, line)
				}
			}
		}
		if past.Interrupted {
			fmt.Fprintln(t.out, t.styles.muted.Render("(interrupted)"))
		}
	}
}

func (t *Terminal) render(text string) string {
	if t.markdown == nil {
		return text
	}
	out, err := t.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return ""
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}

// lineReader reads lines on one goroutine so that the prompt loop and the
// approval responder can both wait for input while honoring cancellation.
type lineReader struct {
	lines chan string
	done  chan struct{}
	err   error
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(lr.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lr.lines <- scanner.Text():
			case <-lr.done:
				return
			}
		}
		lr.err = scanner.Err()
	}()
	return lr
}

func (lr *lineReader) next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-lr.lines:
		if !ok {
			if lr.err != nil {
				return "", lr.err
			}
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (lr *lineReader) close() { close(lr.done) }
