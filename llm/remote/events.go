package remote

import "encoding/json"

// Event types published on the /event subscription.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventPermissionUpdated  = "permission.updated"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
)

// Part types.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartStepStart  = "step-start"
	PartStepFinish = "step-finish"
	PartTool       = "tool"
)

// Tool states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Permission replies.
const (
	ReplyOnce   = "once"
	ReplyReject = "reject"
)

// Event is one message of the event subscription. Properties are decoded
// according to Type.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
}

type PartUpdated struct {
	Part Part `json:"part"`
}

type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`

	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	CallID string `json:"callID,omitempty"`

	State  *ToolState `json:"state,omitempty"`
	Tokens *Tokens    `json:"tokens,omitempty"`
}

type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata *ToolMetadata   `json:"metadata,omitempty"`
}

// ToolMetadata carries the nested steps of sub-agent tools.
type ToolMetadata struct {
	Summary []SummaryItem `json:"summary,omitempty"`
}

type SummaryItem struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	State struct {
		Status string `json:"status"`
		Title  string `json:"title,omitempty"`
	} `json:"state"`
}

type Tokens struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
	Cache     struct {
		Write int64 `json:"write"`
		Read  int64 `json:"read"`
	} `json:"cache"`
}

// Permission asks to authorize one tool call.
type Permission struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	MessageID string          `json:"messageID,omitempty"`
	CallID    string          `json:"callID,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

type SessionError struct {
	SessionID string `json:"sessionID"`
	Error     *struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error,omitempty"`
}

// Session is the server's session record.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type PromptRequest struct {
	Parts  []TextPart `json:"parts"`
	Agent  string     `json:"agent,omitempty"`
	Model  string     `json:"model,omitempty"`
	System string     `json:"system,omitempty"`
}

type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type permissionReply struct {
	Response string `json:"response"`
}
