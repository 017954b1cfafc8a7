// Package remote implements llm.Provider on top of a remote agent server
// that keeps the conversation in a server-side session, runs tools itself,
// and publishes its progress as events.
package remote

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPromptTimeout = 30 * time.Second
	DefaultIdleTimeout   = 10 * time.Minute
	// DefaultPermissionSettle is how long a step keeps reading after a
	// permission request before handing the batch to the caller.
	DefaultPermissionSettle = 250 * time.Millisecond

	continuePrompt = "Continue."
	sessionTitle   = "parley"
)

var (
	ErrPromptTimeout = errors.Sentinel("timed out submitting the prompt")
	ErrIdleTimeout   = errors.Sentinel("timed out waiting for the session to become idle")
	ErrStreamClosed  = errors.Sentinel("event stream ended before the session became idle")
)

type Options struct {
	Agent            string
	PromptTimeout    time.Duration
	IdleTimeout      time.Duration
	PermissionSettle time.Duration
}

// Provider is the stateful session-based llm.Provider. The server keeps the
// history, so each step sends only the new user message or the permission
// replies for the previous step.
type Provider struct {
	client *Client
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	sessionID string
	pending   []pendingPermission
	// calls holds the tool call ids already reported in a step's messages.
	calls map[string]bool
	// roles holds the roles of the session's messages seen so far.
	roles map[string]string
}

type pendingPermission struct {
	sessionID    string
	permissionID string
	callID       string
}

func NewProvider(client *Client, opts Options, logger *zap.Logger) *Provider {
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.PermissionSettle <= 0 {
		opts.PermissionSettle = DefaultPermissionSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client: client,
		opts:   opts,
		logger: logger.With(zap.String("provider", "remote")),
		calls:  make(map[string]bool),
		roles:  make(map[string]string),
	}
}

func (p *Provider) Name() string { return "remote" }

// SessionID returns the current server session, empty before the first step.
func (p *Provider) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *Provider) StreamResponse(ctx context.Context, req llm.Request) (*llm.Result, error) {
	emit := req.OnEvent
	if emit == nil {
		emit = func(llm.Event) {}
	}

	replies, resume, answered := p.takeReplies(req.Messages)
	var start func(context.Context) (string, error)
	if resume {
		start = func(ctx context.Context) (string, error) {
			return p.SessionID(), p.sendReplies(ctx, replies)
		}
	} else {
		if len(replies) > 0 {
			p.logger.Debug("rejecting unanswered permissions", zap.Int("count", len(replies)))
			if err := p.sendReplies(ctx, replies); err != nil {
				p.logger.Warn("could not reject stale permissions", zap.Error(err))
			}
		}
		start = func(ctx context.Context) (string, error) {
			return p.prompt(ctx, req)
		}
	}

	st := p.newStep(emit)
	st.answered = answered
	res, err := p.run(ctx, st, start)
	if ctx.Err() != nil {
		p.abort(st.sessionID)
		emit(llm.Abort())
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrIdleTimeout) || errors.Is(err, ErrPromptTimeout) {
			p.abort(st.sessionID)
		}
		emit(llm.StreamError(err))
		return nil, err
	}

	p.mu.Lock()
	p.pending = append(p.pending, st.permissions...)
	for id := range st.tools {
		p.calls[id] = true
	}
	for id, role := range st.roles {
		p.roles[id] = role
	}
	p.mu.Unlock()
	return res, nil
}

func (p *Provider) GenerateTitle(ctx context.Context, text string) (string, error) {
	s, err := p.client.CreateSession(ctx, "title")
	if err != nil {
		return "", errors.Wrapf(err, "creating title session")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.client.DeleteSession(ctx, s.ID); err != nil {
			p.logger.Debug("could not delete title session", zap.String("session", s.ID), zap.Error(err))
		}
	}()

	st := p.newStep(func(llm.Event) {})
	res, err := p.run(ctx, st, func(ctx context.Context) (string, error) {
		return s.ID, p.client.Prompt(ctx, s.ID, PromptRequest{
			Parts:  []TextPart{{Type: PartText, Text: text}},
			Agent:  p.opts.Agent,
			System: llm.TitlePrompt,
		})
	})
	if err != nil {
		return "", errors.Wrapf(err, "generating title")
	}
	return llm.CleanTitle(res.Text, text), nil
}

// run subscribes to events, starts the step and consumes events until the
// session is idle or waits on permissions. start returns the session whose
// events belong to the step.
func (p *Provider) run(ctx context.Context, st *step, start func(context.Context) (string, error)) (*llm.Result, error) {
	sub, err := p.client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	events := make(chan Event)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		for {
			ev, err := sub.Next()
			if err != nil {
				if errors.Is(err, ErrSubscriptionClosed) {
					return nil
				}
				return err
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer sub.Close()
		err := withTimeout(gctx, p.opts.PromptTimeout, ErrPromptTimeout, func(ctx context.Context) error {
			id, err := start(ctx)
			st.sessionID = id
			return err
		})
		if err != nil {
			return err
		}
		return withTimeout(gctx, p.opts.IdleTimeout, ErrIdleTimeout, func(ctx context.Context) error {
			if err := st.consume(ctx, events); err != nil {
				return err
			}
			st.flush()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st.result(), nil
}

// prompt sends the last user message, creating a session first if needed.
// A transient discovery failure is retried once with a fresh session.
func (p *Provider) prompt(ctx context.Context, req llm.Request) (string, error) {
	id, err := p.promptOnce(ctx, req)
	if IsTransientDiscovery(err) && ctx.Err() == nil {
		p.logger.Warn("retrying with a fresh session", zap.Error(err))
		p.resetSession()
		id, err = p.promptOnce(ctx, req)
	}
	return id, err
}

func (p *Provider) promptOnce(ctx context.Context, req llm.Request) (string, error) {
	id, fresh, err := p.session(ctx)
	if err != nil {
		return "", err
	}
	text := promptText(req.Messages)
	if fresh {
		text = withTranscript(req.Messages, text)
	}
	err = p.client.Prompt(ctx, id, PromptRequest{
		Parts:  []TextPart{{Type: PartText, Text: text}},
		Agent:  p.opts.Agent,
		Model:  req.Options.Model,
		System: req.Options.SystemPrompt,
	})
	return id, err
}

func (p *Provider) session(ctx context.Context) (id string, fresh bool, err error) {
	if id := p.SessionID(); id != "" {
		return id, false, nil
	}
	s, err := p.client.CreateSession(ctx, sessionTitle)
	if err != nil {
		return "", false, errors.Wrapf(err, "creating session")
	}
	p.mu.Lock()
	p.sessionID = s.ID
	p.calls = make(map[string]bool)
	p.roles = make(map[string]string)
	p.mu.Unlock()
	p.logger.Info("session created", zap.String("session", s.ID))
	return s.ID, true, nil
}

func (p *Provider) resetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
	p.pending = nil
}

// takeReplies turns the pending permissions into replies. The step resumes
// the waiting session when the history ends with the tool message carrying
// the decisions; otherwise every pending permission is rejected. answered
// holds the calls that message already carries results for.
func (p *Provider) takeReplies(msgs []message.Message) (replies []reply, resume bool, answered map[string]bool) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(pending) == 0 {
		return nil, false, nil
	}

	approved := make(map[string]bool)
	decided := make(map[string]bool)
	answered = make(map[string]bool)
	if n := len(msgs); n > 0 && msgs[n-1].Role == message.RoleTool {
		for _, part := range msgs[n-1].Parts {
			switch part.Type {
			case message.PartToolApprovalResponse:
				decided[part.ToolCallID] = true
				approved[part.ToolCallID] = part.Approved
			case message.PartToolResult:
				decided[part.ToolCallID] = true
				answered[part.ToolCallID] = true
			}
		}
	}

	for _, perm := range pending {
		r := reply{pendingPermission: perm, response: ReplyReject}
		if decided[perm.callID] {
			resume = true
			if approved[perm.callID] {
				r.response = ReplyOnce
			}
		}
		replies = append(replies, r)
	}
	if !resume {
		return replies, false, nil
	}
	return replies, true, answered
}

type reply struct {
	pendingPermission
	response string
}

func (p *Provider) sendReplies(ctx context.Context, replies []reply) error {
	for _, r := range replies {
		p.logger.Debug("permission reply",
			zap.String("permission", r.permissionID),
			zap.String("tool_call_id", r.callID),
			zap.String("response", r.response))
		if err := p.client.Reply(ctx, r.sessionID, r.permissionID, r.response); err != nil {
			return errors.Wrapf(err, "replying to permission %s", r.permissionID)
		}
	}
	return nil
}

func (p *Provider) abort(sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Abort(ctx, sessionID); err != nil {
		p.logger.Warn("could not abort remote session", zap.String("session", sessionID), zap.Error(err))
	}
}

func promptText(msgs []message.Message) string {
	if n := len(msgs); n > 0 && msgs[n-1].Role == message.RoleUser {
		return msgs[n-1].Text()
	}
	return continuePrompt
}

// withTranscript prefixes text with the earlier conversation so that a new
// server session starts with the context of a resumed one.
func withTranscript(msgs []message.Message, text string) string {
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == message.RoleUser {
		msgs = msgs[:len(msgs)-1]
	}
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != message.RoleUser && m.Role != message.RoleAssistant {
			continue
		}
		t := strings.TrimSpace(m.Text())
		if t == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(t)
		b.WriteString("\n\n")
	}
	if b.Len() == 0 {
		return text
	}
	return "Conversation so far:\n\n" + b.String() + "---\n\n" + text
}

// step is the event state of one StreamResponse call.
type step struct {
	logger    *zap.Logger
	emit      func(llm.Event)
	settle    time.Duration
	sessionID string
	known     map[string]bool

	// answered holds the calls whose results the caller already sent.
	answered map[string]bool

	// unresolved holds parts of messages whose role is not known yet.
	unresolved      map[string][]Part
	unresolvedOrder []string

	seen        map[string]bool
	roles       map[string]string
	texts       map[string]string
	order       []entry
	tools       map[string]*toolRecord
	finished    []string
	approvals   []llm.ApprovalRequest
	permissions []pendingPermission
	usage       llm.Usage
}

type entry struct {
	kind string
	key  string
}

type toolRecord struct {
	name   string
	status string
	input  json.RawMessage
	output string
	err    string
	steps  []llm.SubStep
}

func (p *Provider) newStep(emit func(llm.Event)) *step {
	p.mu.Lock()
	known := make(map[string]bool, len(p.calls))
	for id := range p.calls {
		known[id] = true
	}
	roles := make(map[string]string, len(p.roles))
	for id, role := range p.roles {
		roles[id] = role
	}
	p.mu.Unlock()
	return &step{
		logger:     p.logger,
		emit:       emit,
		settle:     p.opts.PermissionSettle,
		known:      known,
		seen:       make(map[string]bool),
		roles:      roles,
		unresolved: make(map[string][]Part),
		texts:      make(map[string]string),
		tools:      make(map[string]*toolRecord),
	}
}

// consume applies events until the session is idle. Once a permission was
// requested it also returns after a quiet period, leaving the session
// waiting for the replies.
func (s *step) consume(ctx context.Context, events <-chan Event) error {
	var timer *time.Timer
	var settled <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			done, err := s.handle(ev)
			if err != nil || done {
				return err
			}
			if len(s.approvals) > 0 {
				if timer == nil {
					timer = time.NewTimer(s.settle)
				} else {
					timer.Reset(s.settle)
				}
				settled = timer.C
			}
		}
	}
}

func (s *step) handle(ev Event) (done bool, err error) {
	if ev.ID != "" {
		if s.seen[ev.ID] {
			s.logger.Debug("duplicate event dropped", zap.String("id", ev.ID), zap.String("type", ev.Type))
			return false, nil
		}
		s.seen[ev.ID] = true
	}

	switch ev.Type {
	case EventMessageUpdated:
		var m MessageUpdated
		if s.decode(ev, &m) && s.ours(m.Info.SessionID) {
			s.resolve(m.Info.ID, m.Info.Role)
		}

	case EventMessagePartUpdated:
		var pu PartUpdated
		if !s.decode(ev, &pu) || !s.ours(pu.Part.SessionID) {
			return false, nil
		}
		switch role, ok := s.roles[pu.Part.MessageID]; {
		case !ok && pu.Part.MessageID != "":
			if _, buffered := s.unresolved[pu.Part.MessageID]; !buffered {
				s.unresolvedOrder = append(s.unresolvedOrder, pu.Part.MessageID)
			}
			s.unresolved[pu.Part.MessageID] = append(s.unresolved[pu.Part.MessageID], pu.Part)
		case role != string(message.RoleUser):
			s.part(pu.Part)
		}

	case EventPermissionUpdated:
		var perm Permission
		if s.decode(ev, &perm) && s.ours(perm.SessionID) {
			s.permission(perm)
		}

	case EventSessionIdle:
		var idle SessionIdle
		if s.decode(ev, &idle) && idle.SessionID == s.sessionID {
			return true, nil
		}

	case EventSessionError:
		var se SessionError
		if s.decode(ev, &se) && s.ours(se.SessionID) {
			msg := "unknown error"
			if se.Error != nil {
				msg = se.Error.Name
				if se.Error.Data.Message != "" {
					msg = se.Error.Data.Message
				}
			}
			return true, errors.New("remote session error: %s", msg)
		}

	default:
		s.logger.Debug("event ignored", zap.String("type", ev.Type))
	}
	return false, nil
}

// resolve records a message's role and replays the parts that arrived
// before it. Parts of user messages echo the prompt and are dropped.
func (s *step) resolve(messageID, role string) {
	s.roles[messageID] = role
	parts, ok := s.unresolved[messageID]
	if !ok {
		return
	}
	delete(s.unresolved, messageID)
	s.unresolvedOrder = slices.DeleteFunc(s.unresolvedOrder, func(id string) bool { return id == messageID })
	if role == string(message.RoleUser) {
		return
	}
	for _, part := range parts {
		s.part(part)
	}
}

// flush treats the parts of messages that never got a role as assistant
// output.
func (s *step) flush() {
	for _, id := range s.unresolvedOrder {
		s.logger.Debug("message role never announced", zap.String("message", id))
		for _, part := range s.unresolved[id] {
			s.part(part)
		}
	}
	s.unresolved = make(map[string][]Part)
	s.unresolvedOrder = nil
}

func (s *step) ours(sessionID string) bool {
	return sessionID == "" || sessionID == s.sessionID
}

func (s *step) decode(ev Event, v any) bool {
	if err := json.Unmarshal(ev.Properties, v); err != nil {
		s.logger.Warn("malformed event", zap.String("type", ev.Type), zap.Error(err))
		return false
	}
	return true
}

func (s *step) part(part Part) {
	switch part.Type {
	case PartText, PartReasoning:
		prev, ok := s.texts[part.ID]
		if !ok {
			s.order = append(s.order, entry{kind: part.Type, key: part.ID})
		}
		delta, seen, extended := normalizeDelta(prev, part.Text)
		if !extended {
			s.logger.Debug("text update does not extend the previous payload",
				zap.String("part", part.ID), zap.Int("previous", len(prev)), zap.Int("received", len(part.Text)))
		}
		s.texts[part.ID] = seen
		if delta == "" {
			return
		}
		if part.Type == PartText {
			s.emit(llm.TextDelta(delta))
		} else {
			s.emit(llm.ReasoningDelta(delta))
		}

	case PartTool:
		s.tool(part)

	case PartStepFinish:
		var u llm.Usage
		if t := part.Tokens; t != nil {
			u = llm.Usage{InputTokens: t.Input, OutputTokens: t.Output, ReasoningTokens: t.Reasoning, CachedTokens: t.Cache.Read}
		}
		s.usage = s.usage.Add(u)
		s.emit(llm.FinishStep(u))
	}
}

func (s *step) record(id, name string) *toolRecord {
	rec := s.tools[id]
	if rec == nil {
		rec = &toolRecord{name: name}
		s.tools[id] = rec
		if !s.known[id] {
			s.order = append(s.order, entry{kind: PartTool, key: id})
		}
	}
	if rec.name == "" {
		rec.name = name
	}
	return rec
}

func (s *step) tool(part Part) {
	if part.State == nil {
		return
	}
	id := part.CallID
	if id == "" {
		id = part.ID
	}
	rec := s.record(id, part.Tool)
	st := part.State
	if len(st.Input) > 0 && (rec.input == nil || string(st.Input) != "{}") {
		rec.input = append(json.RawMessage(nil), st.Input...)
	}

	switch st.Status {
	case ToolPending:
		if rec.status == "" {
			rec.status = ToolPending
			s.emit(llm.ToolInputStart(rec.name, id))
		}
	case ToolRunning:
		s.started(rec, id)
		s.progress(rec, id, st)
	case ToolCompleted:
		if rec.terminal() {
			return
		}
		s.started(rec, id)
		s.progress(rec, id, st)
		rec.status = ToolCompleted
		rec.output = st.Output
		s.finished = append(s.finished, id)
		s.emit(llm.ToolResult(rec.name, id, message.TextOutput(st.Output).Value))
	case ToolError:
		if rec.terminal() {
			return
		}
		s.started(rec, id)
		rec.status = ToolError
		rec.err = st.Error
		if rec.err == "" {
			rec.err = "tool failed"
		}
		s.finished = append(s.finished, id)
		s.emit(llm.ToolError(rec.name, id, rec.err))
	}
}

func (s *step) started(rec *toolRecord, id string) {
	if rec.status == "" || rec.status == ToolPending {
		rec.status = ToolRunning
		s.emit(llm.ToolCall(rec.name, id, rec.input))
	}
}

func (s *step) progress(rec *toolRecord, id string, st *ToolState) {
	if st.Metadata == nil || len(st.Metadata.Summary) == 0 {
		return
	}
	steps := make([]llm.SubStep, 0, len(st.Metadata.Summary))
	for _, item := range st.Metadata.Summary {
		steps = append(steps, llm.SubStep{Tool: item.Tool, Status: item.State.Status, Title: item.State.Title})
	}
	if slices.EqualFunc(steps, rec.steps, func(a, b llm.SubStep) bool {
		return a.Tool == b.Tool && a.Status == b.Status && a.Title == b.Title
	}) {
		return
	}
	rec.steps = steps
	s.emit(llm.ToolProgress(rec.name, id, steps))
}

func (r *toolRecord) terminal() bool {
	return r.status == ToolCompleted || r.status == ToolError
}

func (s *step) permission(perm Permission) {
	for _, a := range s.approvals {
		if a.ApprovalID == perm.ID {
			return
		}
	}
	id := perm.CallID
	if id == "" {
		id = perm.ID
	}
	rec := s.record(id, perm.Type)
	input := rec.input
	if input == nil {
		input = perm.Metadata
	}
	req := llm.ApprovalRequest{ApprovalID: perm.ID, ToolCallID: id, ToolName: rec.name, Input: input}
	s.approvals = append(s.approvals, req)
	s.permissions = append(s.permissions, pendingPermission{sessionID: s.sessionID, permissionID: perm.ID, callID: id})
	s.emit(llm.ApprovalRequested(req))
}

func (s *step) result() *llm.Result {
	assistant := message.Message{Role: message.RoleAssistant}
	var texts []string
	for _, e := range s.order {
		switch e.kind {
		case PartText:
			if t := s.texts[e.key]; strings.TrimSpace(t) != "" {
				assistant.Parts = append(assistant.Parts, message.Text(t))
				texts = append(texts, t)
			}
		case PartReasoning:
			if t := s.texts[e.key]; strings.TrimSpace(t) != "" {
				assistant.Parts = append(assistant.Parts, message.Reasoning(t))
			}
		case PartTool:
			rec := s.tools[e.key]
			assistant.Parts = append(assistant.Parts, message.ToolCall(e.key, rec.name, rec.input))
		}
	}

	results := message.Message{Role: message.RoleTool}
	for _, id := range s.finished {
		if s.answered[id] {
			continue
		}
		rec := s.tools[id]
		out := message.TextOutput(rec.output)
		if rec.status == ToolError {
			out = message.ErrorOutput(rec.err)
		}
		results.Parts = append(results.Parts, message.ToolResult(id, rec.name, out))
	}

	res := &llm.Result{
		Text:             strings.Join(texts, "\n\n"),
		Usage:            s.usage,
		PendingApprovals: s.approvals,
	}
	if len(assistant.Parts) > 0 {
		res.Messages = append(res.Messages, assistant)
	}
	if len(results.Parts) > 0 {
		res.Messages = append(res.Messages, results)
	}
	return res
}
