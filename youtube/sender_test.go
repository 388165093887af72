package youtube

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedPost struct {
	query       url.Values
	contentType string
	body        string
}

// fakeIngestion records every post and answers with status and a fixed server timestamp
type fakeIngestion struct {
	*httptest.Server
	mu       sync.Mutex
	posts    []recordedPost
	status   int
	serverTS string
}

func newFakeIngestion(t *testing.T) *fakeIngestion {
	f := &fakeIngestion{
		status:   200,
		serverTS: "2024-05-01T10:00:00.500",
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.posts = append(f.posts, recordedPost{
			query:       req.URL.Query(),
			contentType: req.Header.Get("Content-Type"),
			body:        string(body),
		})
		status, ts := f.status, f.serverTS
		f.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(ts + "\n"))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIngestion) recorded() []recordedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPost(nil), f.posts...)
}

func (f *fakeIngestion) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func newTestSender(t *testing.T, f *fakeIngestion, opts Options) (*Sender, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	opts.BaseURL = f.URL
	if opts.StreamKey == "" {
		opts.StreamKey = "abcd-1234"
	}
	opts.Clock = clk
	opts.HTTPClient = f.Client()
	s := NewSender(opts)
	require.NoError(t, s.Start())
	return s, clk
}

func TestSenderRequiresStart(t *testing.T) {
	s := NewSender(Options{StreamKey: "abc"})
	ctx := context.Background()
	var verr *ValidationError

	_, err := s.Send(ctx, "hi", time.Time{})
	assert.True(t, errors.As(err, &verr), "Send before Start: %v", err)
	_, err = s.SendBatch(ctx, []Caption{{Text: "hi"}})
	assert.True(t, errors.As(err, &verr))
	_, err = s.Heartbeat(ctx)
	assert.True(t, errors.As(err, &verr))
	_, err = s.Construct("hi", time.Time{})
	assert.True(t, errors.As(err, &verr))
	assert.True(t, errors.As(s.End(), &verr))

	err = NewSender(Options{}).Start()
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "stream_key", verr.Field)
}

func TestSendSingle(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{Sequence: 7})

	ts := time.Date(2024, 5, 1, 10, 0, 1, 234567000, time.UTC)
	res, err := s.Send(context.Background(), "Hello world", ts)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Sequence)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "2024-05-01T10:00:00.500", res.ServerTimestamp)
	assert.Equal(t, "2024-05-01T10:00:01.234", res.Timestamp)
	assert.Equal(t, 8, s.Sequence())

	posts := f.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "abcd-1234", posts[0].query.Get("cid"))
	assert.Equal(t, "7", posts[0].query.Get("seq"))
	assert.Equal(t, "text/plain", posts[0].contentType)
	assert.Equal(t, "2024-05-01T10:00:01.234\nHello world\n", posts[0].body)

	_, err = s.Send(context.Background(), "", ts)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSendBatchAutoTimestampsAndRegion(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{UseRegion: true, Region: "reg2", Cue: "cue9"})

	res, err := s.SendBatch(context.Background(), []Caption{{Text: "one"}, {Text: "two"}, {Text: "three", Time: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sequence)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 1, s.Sequence())

	posts := f.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "2024-05-01T10:00:00.000 region:reg2#cue9\none\n"+
		"2024-05-01T10:00:00.100 region:reg2#cue9\ntwo\n"+
		"2024-05-01T09:00:00.000 region:reg2#cue9\nthree\n", posts[0].body)

	_, err = s.SendBatch(context.Background(), []Caption{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSequenceOnlyAdvancesOnSuccess(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{Sequence: 3})
	f.setStatus(400)

	res, err := s.Send(context.Background(), "rejected", time.Time{})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 400, res.StatusCode)
	assert.Equal(t, 3, res.Sequence)
	assert.Equal(t, 3, s.Sequence())

	f.setStatus(200)
	_, err = s.Send(context.Background(), "accepted", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Sequence())
}

func TestHeartbeatDoesNotAdvance(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{Sequence: 5})
	res, err := s.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sequence)
	assert.Equal(t, "2024-05-01T10:00:00.500", res.ServerTimestamp)
	assert.Equal(t, 5, s.Sequence())

	posts := f.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "", posts[0].body)
	assert.Equal(t, "5", posts[0].query.Get("seq"))
}

func TestConstructAndQueue(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{})
	n, err := s.Construct("first", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Construct("second", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Queue(), 2)

	res, err := s.SendBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Empty(t, s.Queue())

	_, err = s.SendBatch(context.Background(), nil)
	assert.Error(t, err)

	_, err = s.Construct("third", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.ClearQueue())
	assert.Equal(t, 0, s.ClearQueue())
}

func TestSyncEnablesOffset(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{})

	// the mock clock does not move, so the midpoint is 10:00:00.000
	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.OffsetMs)
	assert.Equal(t, int64(500), s.SyncOffset())

	_, err = s.Send(context.Background(), "corrected", time.Time{})
	require.NoError(t, err)
	posts := f.recorded()
	require.Len(t, posts, 2)
	assert.Equal(t, "2024-05-01T10:00:00.500\ncorrected\n", posts[1].body)
}

func TestSendTest(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{})
	res, err := s.SendTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sequence)
	assert.Equal(t, 1, s.Sequence())
	posts := f.recorded()
	require.Len(t, posts, 1)
	assert.Equal(t, "2024-05-01T10:00:00.000 region:reg1#cue1\nHELLO\n2024-05-01T10:00:00.100 region:reg1#cue1\nWORLD\n", posts[0].body)
}

func TestNetworkError(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{Sequence: 2})
	f.Close()

	_, err := s.Send(context.Background(), "lost", time.Time{})
	var nerr *NetworkError
	require.True(t, errors.As(err, &nerr), "got %v", err)
	assert.Equal(t, 2, s.Sequence())
}

func TestEndKeepsSequence(t *testing.T) {
	f := newFakeIngestion(t)
	s, _ := newTestSender(t, f, Options{Sequence: 9})
	_, err := s.Construct("queued", time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.End())
	assert.False(t, s.Started())
	assert.Empty(t, s.Queue())
	assert.Equal(t, 9, s.Sequence())
}

func TestTimestampParsing(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 1, 500000000, time.UTC)
	for _, in := range []string{
		"2024-05-01T10:00:01.500",
		"2024-05-01T10:00:01.5Z",
		"2024-05-01T10:00:01.500+00:00",
		"2024-05-01T12:00:01.500+02:00",
	} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "ParseTimestamp(%s) = %v", in, got)
	}
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)

	assert.Equal(t, "2024-05-01T10:00:01.999", FormatTimestamp(time.Date(2024, 5, 1, 12, 0, 1, 999999999, time.FixedZone("x", 7200))))

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for in, want := range map[float64]time.Time{
		-2:         now.Add(-2 * time.Second),
		1.5:        now.Add(1500 * time.Millisecond),
		1714557600: now,
	} {
		got, err := TimeFromNumber(now, in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "TimeFromNumber(%v) = %v", in, got)
	}
	for _, in := range []float64{1.7e12, -1e19, math.NaN()} {
		_, err := TimeFromNumber(now, in)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "TimeFromNumber(%v)", in)
	}
}
