package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-process agent server. Handlers script the events
// published in response to prompts and permission replies.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	wg sync.WaitGroup

	mu      sync.Mutex
	conns   []*websocket.Conn
	subs    int
	minSubs int
	nextID  int
	created []string
	prompts []PromptRequest
	replies map[string]string
	aborts  []string
	deleted []string

	// createStatus and promptStatus are consumed one per request; zero
	// means success.
	createStatus []int
	promptStatus []int

	onPrompt func(f *fakeServer, sessionID string, req PromptRequest)
	onReply  func(f *fakeServer, sessionID, permissionID, response string)
	// promptDelay holds the prompt response back.
	promptDelay time.Duration
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, replies: make(map[string]string), minSubs: 1}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", f.handleCreate)
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /session/{id}/message", f.handlePrompt)
	mux.HandleFunc("POST /session/{id}/permissions/{perm}", f.handleReply)
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborts = append(f.aborts, r.PathValue("id"))
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /event", f.handleEvents)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.close)
	return f
}

func (f *fakeServer) close() {
	f.wg.Wait()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	f.srv.Close()
}

func (f *fakeServer) client() *Client {
	c, err := NewClient(f.srv.URL, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(c.Close)
	return c
}

func (f *fakeServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if len(f.createStatus) > 0 {
		code := f.createStatus[0]
		f.createStatus = f.createStatus[1:]
		if code != 0 {
			f.mu.Unlock()
			http.Error(w, "failed to list sessions", code)
			return
		}
	}
	f.nextID++
	id := fmt.Sprintf("ses_%d", f.nextID)
	f.created = append(f.created, id)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(Session{ID: id})
}

func (f *fakeServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.promptDelay > 0 {
		select {
		case <-time.After(f.promptDelay):
		case <-r.Context().Done():
			return
		}
	}
	id := r.PathValue("id")
	f.mu.Lock()
	if len(f.promptStatus) > 0 {
		code := f.promptStatus[0]
		f.promptStatus = f.promptStatus[1:]
		if code != 0 {
			f.mu.Unlock()
			http.Error(w, "session not found", code)
			return
		}
	}
	f.prompts = append(f.prompts, req)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
	if f.onPrompt != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.onPrompt(f, id, req)
		}()
	}
}

func (f *fakeServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var body permissionReply
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, perm := r.PathValue("id"), r.PathValue("perm")
	f.mu.Lock()
	f.replies[perm] = body.Response
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
	if f.onReply != nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.onReply(f, id, perm, body.Response)
		}()
	}
}

func (f *fakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.subs++
	f.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	f.mu.Lock()
	for i, c := range f.conns {
		if c == conn {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	conn.Close()
}

// expectSubscriptions makes publish wait until n subscriptions were opened
// in total, so that events of a later step reach that step's subscriber.
func (f *fakeServer) expectSubscriptions(n int) {
	f.mu.Lock()
	f.minSubs = n
	f.mu.Unlock()
}

// publish sends events to every subscriber, waiting briefly for the expected
// one to be connected.
func (f *fakeServer) publish(events ...Event) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if (len(f.conns) > 0 && f.subs >= f.minSubs) || time.Now().After(deadline) {
			break
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	defer f.mu.Unlock()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			panic(err)
		}
		for _, c := range f.conns {
			_ = c.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func (f *fakeServer) snapshot() (prompts []PromptRequest, replies map[string]string, aborts, created, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replies = make(map[string]string, len(f.replies))
	for k, v := range f.replies {
		replies[k] = v
	}
	return append([]PromptRequest(nil), f.prompts...), replies,
		append([]string(nil), f.aborts...), append([]string(nil), f.created...), append([]string(nil), f.deleted...)
}

func event(id, typ string, props any) Event {
	data, err := json.Marshal(props)
	if err != nil {
		panic(err)
	}
	return Event{ID: id, Type: typ, Properties: data}
}

func messageUpdated(id, session, role string) Event {
	return event("", EventMessageUpdated, MessageUpdated{Info: MessageInfo{ID: id, SessionID: session, Role: role}})
}

func partUpdated(eventID string, part Part) Event {
	return event(eventID, EventMessagePartUpdated, PartUpdated{Part: part})
}

func textPart(session, msg, id, text string) Part {
	return Part{ID: id, MessageID: msg, SessionID: session, Type: PartText, Text: text}
}

func toolPart(session, msg, callID, tool string, state ToolState) Part {
	return Part{ID: "prt_" + callID, MessageID: msg, SessionID: session, Type: PartTool, Tool: tool, CallID: callID, State: &state}
}

func idle(session string) Event {
	return event("", EventSessionIdle, SessionIdle{SessionID: session})
}

func permissionEvent(session, id, callID, typ string) Event {
	return event("", EventPermissionUpdated, Permission{ID: id, SessionID: session, CallID: callID, Type: typ})
}
