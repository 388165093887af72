// Package clocksync estimates the offset between the local clock and the caption ingestion
// server's clock from a single heartbeat exchange.
package clocksync

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// ServerTimestampFormat is the layout of the timestamp the ingestion server writes in its
// response body. It carries no zone and is always UTC.
const ServerTimestampFormat = "2006-01-02T15:04:05.000"

// HeartbeatFunc performs one request/response exchange which does not advance the caption
// sequence. serverTimestamp is empty when the server did not send one.
type HeartbeatFunc func(ctx context.Context) (statusCode int, serverTimestamp string, err error)

type Result struct {
	// OffsetMs is positive when the server clock reads ahead of the local clock.
	OffsetMs        int64
	RoundTripMs     int64
	ServerTimestamp string
	StatusCode      int
}

// Sync measures the round trip of beat and estimates the clock offset with the NTP midpoint
// method. When the server returns no usable timestamp the previous offset is carried over.
// A heartbeat error is returned as-is with the previous offset in the result.
func Sync(ctx context.Context, clk clock.Clock, beat HeartbeatFunc, previous int64) (Result, error) {
	before := clk.Now()
	status, serverTS, err := beat(ctx)
	after := clk.Now()
	res := Result{
		OffsetMs:        previous,
		RoundTripMs:     after.Sub(before).Milliseconds(),
		ServerTimestamp: serverTS,
		StatusCode:      status,
	}
	if err != nil {
		return res, err
	}
	if serverTS == "" {
		return res, nil
	}
	serverTime, err := ParseServerTimestamp(serverTS)
	if err != nil {
		logger.Debug().Str("server_ts", serverTS).Msg("unparseable server timestamp, offset not updated")
		return res, nil
	}
	midpoint := before.Add(after.Sub(before) / 2)
	diff := serverTime.Sub(midpoint)
	res.OffsetMs = int64(math.RoundToEven(float64(diff) / float64(time.Millisecond)))
	return res, nil
}

// SyncHalfRTT measures the round trip of beat and reports half of it as the offset. This
// assumes symmetric latency and is used when the server timestamp is not trusted.
func SyncHalfRTT(ctx context.Context, clk clock.Clock, beat HeartbeatFunc) (Result, error) {
	before := clk.Now()
	status, serverTS, err := beat(ctx)
	rtt := clk.Now().Sub(before).Milliseconds()
	res := Result{
		RoundTripMs:     rtt,
		ServerTimestamp: serverTS,
		StatusCode:      status,
	}
	if err != nil {
		return res, err
	}
	res.OffsetMs = EstimateFromRoundTrip(rtt)
	return res, nil
}

// EstimateFromRoundTrip is the half-latency offset estimate, truncated towards zero.
func EstimateFromRoundTrip(roundTripMs int64) int64 {
	return roundTripMs / 2
}

var serverLayouts = []string{
	ServerTimestampFormat,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ParseServerTimestamp parses a server timestamp as UTC. Surrounding whitespace is ignored.
func ParseServerTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range serverLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("clocksync: unrecognised server timestamp %q", s)
}
