package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "lcyt_data"
)

// logging metadata for a single request
type data struct {
	sessionID string
	sequence  int64
	count     int
	upstream  int
}

// prepare a request context so it can contain relay info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		sequence: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the session ID to this request context. Need to have called RequestContext first.
func SetRequestContextSessionID(ctx context.Context, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
}

// SetRequestContextSendInfo records the outcome of an upstream send for the access log.
func SetRequestContextSendInfo(ctx context.Context, sequence int64, count, upstreamStatus int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sequence = sequence
	da.count = count
	da.upstream = upstreamStatus
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.sequence >= 0 {
		l = l.Int64("q", da.sequence)
	}
	if da.count > 0 {
		l = l.Int("c", da.count)
	}
	if da.upstream > 0 {
		l = l.Int("us", da.upstream)
	}
	return l
}
