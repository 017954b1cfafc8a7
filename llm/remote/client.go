package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/parley/errors"
	"go.uber.org/zap"
)

// ErrSubscriptionClosed is returned by Subscription.Next after Close.
var ErrSubscriptionClosed = errors.Sentinel("event subscription closed")

// StatusError is a non-2xx response from the agent server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// IsTransientDiscovery reports whether err looks like the server could not
// find or list the session yet. Such failures are retried once against a
// fresh session.
func IsTransientDiscovery(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "session not found") || strings.Contains(msg, "failed to list sessions")
}

// Client talks to a remote agent server. Commands are plain HTTP requests
// that the server acknowledges immediately; everything the agent does is
// published on the event subscription.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid remote url %q", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("remote url %q must be http or https", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{},
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": title}, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, errors.New("server returned a session without id")
	}
	return &s, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", req, nil)
}

// Reply answers a permission request with ReplyOnce or ReplyReject.
func (c *Client) Reply(ctx context.Context, sessionID, permissionID, response string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, http.MethodPost, path, permissionReply{Response: response}, nil)
}

func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "encoding %s request", path)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return errors.Wrapf(err, "building %s request", path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("remote request", zap.String("method", method), zap.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrapf(err, "reading %s response", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}

// Subscription is an open event stream.
type Subscription struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// Subscribe opens the event stream.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/event"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", u.Redacted())
	}
	return &Subscription{conn: conn}, nil
}

// Next blocks until the next event arrives.
func (s *Subscription) Next() (Event, error) {
	for {
		var ev Event
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return ev, ErrSubscriptionClosed
			}
			return ev, errors.Wrapf(err, "reading event")
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return ev, errors.Wrapf(err, "decoding event")
		}
		if ev.Type != "" {
			return ev, nil
		}
	}
}

// Close ends the subscription and unblocks Next.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
