package remote

import (
	"context"
	"strings"
	"time"
)

// normalizeDelta turns a text payload into an increment. Some servers resend
// the whole text so far, others send only the new suffix. prev is the text
// seen so far for the part. An exact repeat yields nothing and an extension
// of prev yields the new suffix. Anything else is taken as an increment and
// reported with extended=false.
func normalizeDelta(prev, raw string) (delta, seen string, extended bool) {
	switch {
	case raw == "" || raw == prev:
		return "", prev, true
	case strings.HasPrefix(raw, prev):
		return raw[len(prev):], raw, true
	default:
		return raw, prev + raw, prev == ""
	}
}

// withTimeout runs fn and returns onTimeout if it has not finished after d.
// fn's context is cancelled on timeout and withTimeout waits for it to
// return. A non-positive d disables the timer.
func withTimeout(ctx context.Context, d time.Duration, onTimeout error, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel()
		<-done
		return onTimeout
	}
}
