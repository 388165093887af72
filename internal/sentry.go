package internal

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// sentryhttp attaches a hub to every request context. Background work such as the
// session reaper has no such hub and uses the current one.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry must be deferred at the top of goroutines which are not request-scoped.
// The panic is reported, logged and then re-raised.
func ReportPanicsToSentry() {
	panicErr := recover()
	if panicErr == nil {
		return
	}
	sentry.CurrentHub().Recover(panicErr)
	sentry.Flush(2 * time.Second)
	logger.Error().Str("stack", string(debug.Stack())).Msg(fmt.Sprintf("panic: %v", panicErr))
	panic(panicErr)
}
