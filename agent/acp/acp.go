package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/turn"
	"go.uber.org/zap"
)

// ProtocolVersion is the ACP version spoken by the server.
const ProtocolVersion = 1

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Stop reasons of session/prompt.
const (
	stopEndTurn   = "end_turn"
	stopCancelled = "cancelled"
	stopMaxTurns  = "max_turn_requests"
)

// ProviderFactory builds the provider of one ACP session. release frees it
// when the server stops.
type ProviderFactory func(ctx context.Context) (p llm.Provider, release func(), err error)

type Options struct {
	// Dir holds the session files. Defaults to session.DefaultDir.
	Dir string
	// NewProvider gives every session its own provider. When nil all
	// sessions share the base agent's provider.
	NewProvider ProviderFactory
	Logger      *zap.Logger
}

// Server serves the Agent Client Protocol as newline-delimited JSON-RPC.
// Nothing but protocol messages is written to out.
type Server struct {
	base        *agent.Agent
	dir         string
	newProvider ProviderFactory
	logger      *zap.Logger

	in      *bufio.Reader
	out     io.Writer
	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*acpSession
	pending  map[string]chan *jsonrpcMessage
	nextID   int64
	releases []func()

	wg sync.WaitGroup
}

type acpSession struct {
	agent *agent.Agent

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *acpSession) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *acpSession) cancelPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func New(base *agent.Agent, in io.Reader, out io.Writer, opts Options) *Server {
	if opts.Dir == "" {
		opts.Dir = session.DefaultDir
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		base:        base,
		dir:         opts.Dir,
		newProvider: opts.NewProvider,
		logger:      opts.Logger,
		in:          bufio.NewReader(in),
		out:         out,
		sessions:    make(map[string]*acpSession),
		pending:     make(map[string]chan *jsonrpcMessage),
	}
}

// jsonrpcMessage is any JSON-RPC 2.0 message: a request, a notification, or
// a response to one of our requests.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Run reads messages until in is exhausted or ctx is done. Prompts run
// concurrently so that cancellations and permission responses are read
// while a turn is in progress; they are cancelled when Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		s.mu.Lock()
		releases := s.releases
		s.releases = nil
		s.mu.Unlock()
		for _, release := range releases {
			release()
		}
	}()

	s.logger.Info("acp server started")
	for {
		payload, err := s.in.ReadBytes('\n')
		if len(bytes.TrimSpace(payload)) > 0 {
			s.dispatch(ctx, bytes.TrimSpace(payload))
		}
		if errors.Is(err, io.EOF) {
			s.logger.Info("acp input closed")
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "ACP: read error")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) {
	s.logger.Debug("acp recv", zap.ByteString("payload", payload))
	var msg jsonrpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("acp parse error", zap.Error(err))
		_ = s.writeError(nil, codeParseError, "Parse error", nil)
		return
	}

	if msg.Method == "" {
		s.deliver(&msg)
		return
	}

	switch msg.Method {
	case "initialize":
		s.handleInitialize(&msg)
	case "session/new":
		s.handleSessionNew(ctx, &msg)
	case "session/load":
		s.handleSessionLoad(ctx, &msg)
	case "session/prompt":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSessionPrompt(ctx, &msg)
		}()
	case "session/cancel":
		s.handleSessionCancel(&msg)
	default:
		if msg.ID != nil {
			_ = s.writeError(msg.ID, codeMethodNotFound, "Method not found", nil)
		}
	}
}

// deliver hands a response to the goroutine waiting for it.
func (s *Server) deliver(msg *jsonrpcMessage) {
	key := string(bytes.TrimSpace(msg.ID))
	s.mu.Lock()
	ch, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("acp response to unknown request", zap.String("id", key))
		return
	}
	ch <- msg
}

// call sends a request to the client and waits for its response.
func (s *Server) call(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	ch := make(chan *jsonrpcMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	err := s.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"method":  method,
		"params":  params,
	})
	if err == nil {
		select {
		case resp := <-ch:
			if resp.Error != nil {
				return resp.Error
			}
			if result != nil {
				return json.Unmarshal(resp.Result, result)
			}
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return err
}

func (s *Server) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.logger.Debug("acp send", zap.ByteString("payload", data))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	if f, ok := s.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (s *Server) writeResult(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return s.writeError(id, codeInternalError, "Internal error", err.Error())
	}
	return s.write(jsonrpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) writeError(id json.RawMessage, code int, msg string, data any) error {
	return s.write(jsonrpcMessage{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) notify(sessionID string, update map[string]any) {
	err := s.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": sessionID, "update": update},
	})
	if err != nil {
		s.logger.Warn("acp notification failed", zap.Error(err))
	}
}

func decodeParams(msg *jsonrpcMessage, v any) error {
	if len(msg.Params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(msg.Params, v)
}

func (s *Server) handleInitialize(msg *jsonrpcMessage) {
	_ = s.writeResult(msg.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(ctx context.Context, msg *jsonrpcMessage) {
	sess, err := session.NewIn(s.dir, session.NewName())
	if err != nil {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}
	sess.Mode = string(s.base.Mode)
	sess.Toolset = s.base.Session.Toolset
	if err := sess.Save(); err != nil {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("failed to save session: %v", err))
		return
	}
	if err := s.register(ctx, sess); err != nil {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	s.logger.Info("acp session created", zap.String("session", sess.Name))
	_ = s.writeResult(msg.ID, map[string]any{"sessionId": sess.Name})
}

func (s *Server) register(ctx context.Context, sess *session.Session) error {
	provider := s.base.Provider
	if s.newProvider != nil {
		p, release, err := s.newProvider(ctx)
		if err != nil {
			return errors.Wrapf(err, "failed to create provider")
		}
		provider = p
		s.mu.Lock()
		s.releases = append(s.releases, release)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.sessions[sess.Name] = &acpSession{agent: s.base.ForSession(sess, provider)}
	s.mu.Unlock()
	return nil
}

func (s *Server) lookup(id string) (*acpSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// handleSessionLoad replays the saved turns of a session as session/update
// notifications and answers null once the replay is complete.
func (s *Server) handleSessionLoad(ctx context.Context, msg *jsonrpcMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(msg, &p); err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, err := session.LoadIn(s.dir, p.SessionID)
	if err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	if err := s.register(ctx, sess); err != nil {
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", err.Error())
		return
	}

	for _, past := range sess.Turns {
		s.notify(p.SessionID, map[string]any{
			"sessionUpdate": "user_message_chunk",
			"content":       textContent(past.Prompt),
		})
		for _, b := range past.Blocks {
			switch b.Type {
			case turn.BlockText:
				s.notify(p.SessionID, chunk("agent_message_chunk", b.Text))
			case turn.BlockReasoning:
				s.notify(p.SessionID, chunk("agent_thought_chunk", b.Text))
			case turn.BlockTool:
				update := toolCallUpdate("tool_call", *b.Tool)
				update["rawInput"] = b.Tool.Input
				s.notify(p.SessionID, update)
			}
		}
	}
	_ = s.write(jsonrpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage("null")})
}

func (s *Server) handleSessionCancel(msg *jsonrpcMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(msg, &p); err != nil {
		s.logger.Warn("acp invalid cancel", zap.Error(err))
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok || !sess.cancelPrompt() {
		s.logger.Debug("acp nothing to cancel", zap.String("session", p.SessionID))
	}
}

// handleSessionPrompt runs one turn, streaming it as session/update
// notifications, and answers with the stop reason.
func (s *Server) handleSessionPrompt(ctx context.Context, msg *jsonrpcMessage) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(msg, &p); err != nil {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.lookup(p.SessionID)
	if !ok {
		_ = s.writeError(msg.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.setCancel(cancel)
	defer sess.setCancel(nil)

	stream := &promptStream{server: s, sessionID: p.SessionID, announced: make(map[string]bool)}
	outcome, err := sess.agent.ProcessUserInput(turnCtx, extractUserText(p.Prompt), stream.callbacks(), stream)

	switch {
	case errors.Is(err, turn.ErrMaxSteps):
		_ = s.writeResult(msg.ID, map[string]any{"stopReason": stopMaxTurns})
	case err != nil:
		s.logger.Error("acp prompt failed", zap.String("session", p.SessionID), zap.Error(err))
		_ = s.writeError(msg.ID, codeInternalError, "Internal error", fmt.Sprintf("error processing user input: %v", err))
	case outcome.Interrupted:
		_ = s.writeResult(msg.ID, map[string]any{"stopReason": stopCancelled})
	default:
		_ = s.writeResult(msg.ID, map[string]any{"stopReason": stopEndTurn})
	}
}

// promptStream forwards the events of one turn to the client and asks it
// for permissions.
type promptStream struct {
	server    *Server
	sessionID string

	// announced is only touched from the turn's callbacks, which never run
	// concurrently.
	announced map[string]bool
}

func (p *promptStream) callbacks() turn.Callbacks {
	return turn.Callbacks{
		OnTextDelta: func(delta string) {
			p.server.notify(p.sessionID, chunk("agent_message_chunk", delta))
		},
		OnReasoningDelta: func(delta string) {
			p.server.notify(p.sessionID, chunk("agent_thought_chunk", delta))
		},
		OnToolUpdate: func(call turn.ToolCall) {
			key := toolCallID(call)
			if !p.announced[key] {
				p.announced[key] = true
				update := toolCallUpdate("tool_call", call)
				update["rawInput"] = call.Input
				p.server.notify(p.sessionID, update)
				return
			}
			p.server.notify(p.sessionID, toolCallUpdate("tool_call_update", call))
		},
	}
}

type permissionOutcome struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	} `json:"outcome"`
}

// OnAwaitingApprovals asks the client about each request with
// session/request_permission.
func (p *promptStream) OnAwaitingApprovals(ctx context.Context, requests []llm.ApprovalRequest, respond func(...llm.ApprovalResponse)) {
	for _, req := range requests {
		params := map[string]any{
			"sessionId": p.sessionID,
			"toolCall": map[string]any{
				"toolCallId": req.ToolCallID,
				"title":      req.ToolName,
				"kind":       toolKind(req.ToolName),
				"status":     "pending",
				"rawInput":   req.Input,
			},
			"options": []map[string]string{
				{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
				{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
			},
		}
		var out permissionOutcome
		if err := p.server.call(ctx, "session/request_permission", params, &out); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.server.logger.Warn("acp permission request failed", zap.Error(err))
			respond(llm.ApprovalResponse{ApprovalID: req.ApprovalID, Reason: "The permission request failed."})
			continue
		}
		approved := out.Outcome.Outcome == "selected" && out.Outcome.OptionID == "allow"
		respond(llm.ApprovalResponse{ApprovalID: req.ApprovalID, Approved: approved})
	}
}

func chunk(kind, text string) map[string]any {
	return map[string]any{"sessionUpdate": kind, "content": textContent(text)}
}

func textContent(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

func toolCallID(call turn.ToolCall) string {
	if call.ID != "" {
		return call.ID
	}
	return call.Name
}

func toolCallUpdate(kind string, call turn.ToolCall) map[string]any {
	update := map[string]any{
		"sessionUpdate": kind,
		"toolCallId":    toolCallID(call),
		"title":         call.Name,
		"kind":          toolKind(call.Name),
		"status":        toolStatus(call.Status),
	}
	if call.Status == turn.StatusFailed && call.Error != "" {
		update["content"] = []map[string]any{{"type": "content", "content": textContent(call.Error)}}
	}
	return update
}

func toolStatus(s turn.ToolStatus) string {
	switch s {
	case turn.StatusRunning:
		return "in_progress"
	case turn.StatusCompleted:
		return "completed"
	case turn.StatusFailed:
		return "failed"
	}
	return "pending"
}

func toolKind(name string) string {
	switch name {
	case "read_file":
		return "read"
	case "write_file":
		return "edit"
	case "execute_command":
		return "execute"
	}
	return "other"
}

// contentBlock is a content block of a session/prompt request. Text and
// resource links are understood.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// maxInlineResource bounds the file content inlined for a resource link.
const maxInlineResource = 50000

// extractUserText creates a single string from all content blocks
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxInlineResource {
				content = content[:maxInlineResource] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

// readFileFromURI reads the file named by a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsed.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}
