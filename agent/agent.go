package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/llm/backends"
	"github.com/m4xw311/parley/llm/remote"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
	"github.com/m4xw311/parley/turn"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ToolVerbosity controls how much of a tool call a front end shows.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// TitleTimeout bounds title generation after the first turn.
const TitleTimeout = 20 * time.Second

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAuto, ModePrompt:
		return m, nil
	}
	return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
}

func ParseToolVerbosity(s string) (ToolVerbosity, error) {
	switch v := ToolVerbosity(s); v {
	case ToolVerbosityNone, ToolVerbosityInfo, ToolVerbosityAll:
		return v, nil
	}
	return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}

type Agent struct {
	Config    *config.Config
	Session   *session.Session
	Provider  llm.Provider
	Tools     []tools.Tool
	Mode      Mode
	Verbosity ToolVerbosity

	registry *tools.ToolRegistry
	logger   *zap.Logger

	// mu serializes turns; the session is not safe for concurrent turns.
	mu     sync.Mutex
	driver *turn.Driver
}

// New resolves the toolset and starts its tools. Close releases them.
func New(ctx context.Context, cfg *config.Config, sess *session.Session, toolset string, mode Mode, provider llm.Provider, verbosity ToolVerbosity, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}

	registry := tools.NewToolRegistry(ctx, cfg, logger)
	activeTools, err := registry.GetActiveTools(ts)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	logger.Info("agent ready",
		zap.String("provider", provider.Name()),
		zap.String("toolset", ts.Name),
		zap.Int("tools", len(activeTools)),
		zap.String("mode", string(mode)))

	return &Agent{
		Config:    cfg,
		Session:   sess,
		Provider:  provider,
		Tools:     activeTools,
		Mode:      mode,
		Verbosity: verbosity,
		registry:  registry,
		logger:    logger,
	}, nil
}

// ForSession returns an agent with a's configuration and tools that records
// its turns in sess and talks to provider. Closing it releases nothing.
func (a *Agent) ForSession(sess *session.Session, provider llm.Provider) *Agent {
	return &Agent{
		Config:    a.Config,
		Session:   sess,
		Provider:  provider,
		Tools:     a.Tools,
		Mode:      a.Mode,
		Verbosity: a.Verbosity,
		logger:    a.logger.With(zap.String("session", sess.Name)),
	}
}

func (a *Agent) Close() error {
	if a.registry == nil {
		return nil
	}
	return a.registry.Close()
}

// NeedsApproval reports whether a call must be confirmed by the user. Only
// prompt mode asks, and only for tools matching the approval patterns.
func (a *Agent) NeedsApproval(toolName string, _ json.RawMessage) bool {
	return a.Mode == ModePrompt && a.Config.RequiresApproval(toolName)
}

// Outcome describes a processed user input.
type Outcome struct {
	// Result is nil when the turn did not complete.
	Result *turn.Result
	// Blocks is what the user saw, sanitized when the turn was interrupted.
	Blocks      []turn.ContentBlock
	Interrupted bool
}

// ProcessUserInput runs one turn for input and records it in the session.
//
// A cancelled turn is not an error: the partial turn is reconstructed,
// persisted, and returned with Interrupted set. Turns that stop at the step
// limit or fail mid-stream are persisted the same way and their error is
// returned alongside the outcome.
func (a *Agent) ProcessUserInput(ctx context.Context, input string, cb turn.Callbacks, responder turn.ApprovalResponder) (*Outcome, error) {
	if !a.mu.TryLock() {
		return nil, turn.ErrTurnInProgress
	}
	defer a.mu.Unlock()

	history, dropped := message.SanitizeToolPairs(a.Session.History())
	if dropped > 0 {
		a.logger.Warn("dropped unpaired tool parts from history", zap.Int("parts", dropped))
	}

	a.driver = turn.NewDriver(turn.Config{
		Provider:  a.Provider,
		Responder: responder,
		Callbacks: cb,
		Tools:     a.Tools,
		Options: llm.Options{
			SystemPrompt: a.Config.SystemPrompt,
			Model:        a.Config.Model,
			MaxTokens:    a.Config.MaxTokens,
		},
		NeedsApproval:   a.NeedsApproval,
		MaxSteps:        a.Config.MaxSteps,
		UnknownResponse: unknownPolicy(a.Config.Approval.UnknownResponse),
		Logger:          a.logger,
	})

	user := message.User(input)
	res, err := a.driver.Run(ctx, history, user)
	if err == nil {
		a.Session.RecordTurn(session.Turn{Prompt: input, Blocks: res.Blocks, Usage: res.Usage}, res.Messages)
		a.persist()
		a.ensureTitle(ctx, input)
		return &Outcome{Result: res, Blocks: res.Blocks}, nil
	}
	if errors.Is(err, turn.ErrTurnInProgress) || errors.Is(err, turn.ErrNoApprovalResponder) {
		return nil, err
	}

	blocks, msgs := turn.Reconstruct(a.driver.Blocks())
	a.logger.Info("turn interrupted",
		zap.Int("blocks", len(blocks)),
		zap.Int("messages", len(msgs)),
		zap.Error(err))
	a.Session.RecordTurn(session.Turn{Prompt: input, Blocks: blocks, Interrupted: true},
		append([]message.Message{user}, msgs...))
	a.persist()

	out := &Outcome{Blocks: blocks, Interrupted: true}
	if turn.IsAbort(err) {
		return out, nil
	}
	return out, err
}

func (a *Agent) persist() {
	if err := a.Session.Save(); err != nil {
		a.logger.Error("failed to save session", zap.String("session", a.Session.Name), zap.Error(err))
	}
}

// ensureTitle names the session after its first turn. Failures only leave
// the session untitled.
func (a *Agent) ensureTitle(ctx context.Context, input string) {
	if a.Session.Title != "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, TitleTimeout)
	defer cancel()
	title, err := a.Provider.GenerateTitle(ctx, input)
	if err != nil {
		a.logger.Warn("title generation failed", zap.Error(err))
		return
	}
	a.Session.Title = title
	a.persist()
}

func unknownPolicy(s string) turn.UnknownResponsePolicy {
	if s == config.UnknownResponseError {
		return turn.RejectUnknown
	}
	return turn.IgnoreUnknown
}

// NewProvider builds the provider selected by cfg.LLMClient. release frees
// the provider's connections and is never nil.
func NewProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (p llm.Provider, release func(), err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	release = func() {}

	var streamer llm.ModelStreamer
	switch cfg.LLMClient {
	case "anthropic":
		streamer, err = backends.NewAnthropicStreamer(cfg.Model)
	case "openai":
		streamer, err = backends.NewOpenAIStreamer(cfg.Model)
	case "gemini":
		streamer, err = backends.NewGeminiStreamer(ctx, cfg.Model)
	case "bedrock":
		streamer, err = backends.NewBedrockStreamer(ctx, cfg.Model)
	case "remote":
		client, err := remote.NewClient(cfg.Remote.URL, logger)
		if err != nil {
			return nil, release, errors.Wrapf(err, "error initializing remote client")
		}
		return remote.NewProvider(client, remote.Options{
			Agent:         cfg.Remote.Agent,
			PromptTimeout: cfg.Remote.PromptTimeout,
			IdleTimeout:   cfg.Remote.IdleTimeout,
		}, logger), client.Close, nil
	case "mock", "":
		streamer = llm.NewMockStreamer()
	default:
		return nil, release, errors.New("unknown llm client %q", cfg.LLMClient)
	}
	if err != nil {
		return nil, release, errors.Wrapf(err, "error initializing %s client", cfg.LLMClient)
	}
	return llm.NewCallProvider(streamer, logger), release, nil
}
