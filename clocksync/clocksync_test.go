package clocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// heartbeat which takes rtt on the mock clock and answers with serverTS
func fakeHeartbeat(clk *clock.Mock, rtt time.Duration, status int, serverTS string, err error) HeartbeatFunc {
	return func(ctx context.Context) (int, string, error) {
		clk.Add(rtt)
		return status, serverTS, err
	}
}

func TestSyncMidpoint(t *testing.T) {
	testCases := []struct {
		name       string
		rtt        time.Duration
		serverTS   string
		wantOffset int64
		wantRTT    int64
	}{
		{
			// midpoint is start+100ms, server reads start+350ms
			name:       "server ahead",
			rtt:        200 * time.Millisecond,
			serverTS:   "2024-05-01T10:00:00.350",
			wantOffset: 250,
			wantRTT:    200,
		},
		{
			name:       "server behind",
			rtt:        40 * time.Millisecond,
			serverTS:   "2024-05-01T09:59:59.000",
			wantOffset: -1020,
			wantRTT:    40,
		},
		{
			// midpoint is start+0.5ms, rounds half to even
			name:       "half millisecond",
			rtt:        time.Millisecond,
			serverTS:   "2024-05-01T10:00:00.001",
			wantOffset: 0,
			wantRTT:    1,
		},
		{
			name:       "rtt is truncated",
			rtt:        1999 * time.Microsecond,
			serverTS:   "2024-05-01T10:00:00.000",
			wantOffset: -1,
			wantRTT:    1,
		},
		{
			name:       "trailing whitespace and zone",
			rtt:        0,
			serverTS:   "2024-05-01T10:00:01.000Z\n",
			wantOffset: 1000,
			wantRTT:    0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(start)
			res, err := Sync(context.Background(), clk, fakeHeartbeat(clk, tc.rtt, 200, tc.serverTS, nil), 77)
			require.NoError(t, err)
			assert.Equal(t, tc.wantOffset, res.OffsetMs)
			assert.Equal(t, tc.wantRTT, res.RoundTripMs)
			assert.Equal(t, 200, res.StatusCode)
			assert.Equal(t, tc.serverTS, res.ServerTimestamp)
		})
	}
}

func TestSyncKeepsPreviousOffset(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(start)

	t.Log("No server timestamp keeps the previous offset.")
	res, err := Sync(context.Background(), clk, fakeHeartbeat(clk, 30*time.Millisecond, 200, "", nil), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.OffsetMs)
	assert.Equal(t, int64(30), res.RoundTripMs)
	assert.Equal(t, "", res.ServerTimestamp)

	t.Log("First sync with no timestamp leaves the offset at zero.")
	res, err = Sync(context.Background(), clk, fakeHeartbeat(clk, 0, 204, "", nil), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.OffsetMs)

	t.Log("An unparseable timestamp keeps the previous offset.")
	res, err = Sync(context.Background(), clk, fakeHeartbeat(clk, 0, 200, "not a time", nil), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.OffsetMs)
}

func TestSyncTransportError(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(start)
	boom := errors.New("connection refused")
	res, err := Sync(context.Background(), clk, fakeHeartbeat(clk, 10*time.Millisecond, 0, "", boom), 13)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(13), res.OffsetMs)
}

func TestSyncHalfRTT(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(start)
	res, err := SyncHalfRTT(context.Background(), clk, fakeHeartbeat(clk, 301*time.Millisecond, 200, "2024-05-01T11:00:00.000", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(301), res.RoundTripMs)
	assert.Equal(t, int64(150), res.OffsetMs)
	assert.Equal(t, "2024-05-01T11:00:00.000", res.ServerTimestamp)

	_, err = SyncHalfRTT(context.Background(), clk, fakeHeartbeat(clk, 0, 0, "", errors.New("timeout")))
	assert.Error(t, err)
}

func TestParseServerTimestamp(t *testing.T) {
	got, err := ParseServerTimestamp(" 2024-05-01T10:00:00.123 ")
	require.NoError(t, err)
	assert.True(t, got.Equal(start.Add(123*time.Millisecond)))
	assert.Equal(t, time.UTC, got.Location())

	got, err = ParseServerTimestamp("2024-05-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.True(t, got.Equal(start))

	_, err = ParseServerTimestamp("")
	assert.Error(t, err)
}
