package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxLine bounds one line of process output; ACP messages can be large.
const maxLine = 4 << 20

// frame is a message sent to the websocket client.
type frame struct {
	// Type is "stdout", "stderr" or "exit".
	Type string `json:"type"`
	Data string `json:"data"`
}

// bridge starts command for every websocket connection. Client messages are
// written to its stdin as lines and its output lines come back as frames.
type bridge struct {
	command []string
	// grace is how long the process may keep running after the client left.
	grace    time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newBridge(command []string, grace time.Duration, logger *zap.Logger) *bridge {
	return &bridge{
		command: command,
		grace:   grace,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.logger.Error("could not open stdin", zap.Error(err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.logger.Error("could not open stdout", zap.Error(err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.logger.Error("could not open stderr", zap.Error(err))
		return
	}
	if err := cmd.Start(); err != nil {
		b.logger.Error("could not start command", zap.Strings("command", b.command), zap.Error(err))
		_ = conn.WriteJSON(frame{Type: "exit", Data: err.Error()})
		return
	}
	logger := b.logger.With(zap.Int("pid", cmd.Process.Pid), zap.String("remote", r.RemoteAddr))
	logger.Info("process started")

	// gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	send := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer time.AfterFunc(b.grace, cancel)
		defer stdin.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("websocket closed", zap.Error(err))
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				logger.Warn("stdin write failed", zap.Error(err))
				return
			}
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, "stdout", send) })
	g.Go(func() error { return pump(stderr, "stderr", send) })
	if err := g.Wait(); err != nil {
		logger.Warn("output pump stopped", zap.Error(err))
	}

	status := "0"
	if err := cmd.Wait(); err != nil {
		status = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = strconv.Itoa(exitErr.ExitCode())
		}
	}
	logger.Info("process exited", zap.String("status", status))
	_ = send(frame{Type: "exit", Data: status})

	conn.Close()
	<-readerDone
}

// pump forwards the lines of r as frames of the given type. Output that can
// no longer be sent is drained so the process does not block.
func pump(r io.Reader, stream string, send func(frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	var sendErr error
	for scanner.Scan() {
		if sendErr != nil {
			continue
		}
		sendErr = send(frame{Type: stream, Data: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return sendErr
}
