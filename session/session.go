package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/message"
	"github.com/m4xw311/parley/turn"
)

// DefaultDir is the session directory relative to the project root.
var DefaultDir = filepath.Join(config.Dir, "sessions")

// Turn is the display record of one completed or interrupted turn.
type Turn struct {
	Prompt      string              `json:"prompt"`
	Blocks      []turn.ContentBlock `json:"blocks"`
	Usage       llm.Usage           `json:"usage"`
	Interrupted bool                `json:"interrupted,omitempty"`
	At          time.Time           `json:"at"`
}

type Session struct {
	Name      string    `json:"name"`
	Title     string    `json:"title,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Toolset   string    `json:"toolset,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages is the provider-facing history.
	Messages []message.Message `json:"messages"`
	// Turns hold what was shown to the user, replayed on resume.
	Turns []Turn    `json:"turns,omitempty"`
	Usage llm.Usage `json:"usage"`

	path string
}

// Info summarizes a saved session.
type Info struct {
	Name      string
	Title     string
	Turns     int
	UpdatedAt time.Time
}

// NewName returns a fresh session name.
func NewName() string {
	return time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// New creates a new session in DefaultDir.
func New(name string) (*Session, error) {
	return NewIn(DefaultDir, name)
}

// NewIn creates a new session stored in dir. Nothing is written until Save.
func NewIn(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		Name:      name,
		Messages:  []message.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		path:      path,
	}, nil
}

// Load loads an existing session from DefaultDir.
func Load(name string) (*Session, error) {
	return LoadIn(DefaultDir, name)
}

func LoadIn(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrapf(err, "could not create session directory")
	}
	s.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write session")
	}
	return os.Rename(tmp, s.path)
}

// RecordTurn appends the messages and the display record of a turn.
func (s *Session) RecordTurn(t Turn, msgs []message.Message) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.Messages = append(s.Messages, msgs...)
	s.Turns = append(s.Turns, t)
	s.Usage = s.Usage.Add(t.Usage)
}

// History returns a copy of the provider-facing history.
func (s *Session) History() []message.Message {
	return append([]message.Message(nil), s.Messages...)
}

// List returns the sessions stored in dir, most recently updated first.
// Unreadable files are skipped.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not list sessions")
	}
	var infos []Info
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok {
			continue
		}
		s, err := LoadIn(dir, name)
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: s.Name, Title: s.Title, Turns: len(s.Turns), UpdatedAt: s.UpdatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

func sessionPath(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errors.New("invalid session name %q", name)
	}
	return filepath.Join(dir, name+".json"), nil
}
