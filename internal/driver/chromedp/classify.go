package chromedriver

import (
	"context"
	"errors"
	"strings"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// classify buckets a chromedp failure. The caller's context decides between
// cancellation and an expired capability budget: only when the caller is
// still live does a dead run context mean a timeout.
func classify(err error, callerCtx context.Context) error {
	if err == nil {
		return nil
	}
	var ce *extraction.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	if callerCtx.Err() != nil {
		return extraction.Cancelled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return extraction.Transient(err)
	}
	if errors.Is(err, context.Canceled) {
		// The tab died underneath the run: a crashed or closed session.
		return extraction.Transient(err)
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "could not find node", "waiting for selector", "invalid node"):
		return extraction.Permanent(err)
	case containsAny(msg, "net::ERR", "connection refused", "websocket"):
		return extraction.Transient(err)
	default:
		return extraction.Transient(err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
