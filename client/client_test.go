package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/lcyt/lcyt-relay"
	"github.com/lcyt/lcyt-relay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestRequest struct {
	seq  string
	body string
}

type fakeIngestion struct {
	*httptest.Server
	mu       sync.Mutex
	requests []ingestRequest
}

func newFakeIngestion(t *testing.T) *fakeIngestion {
	f := &fakeIngestion{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		f.mu.Lock()
		f.requests = append(f.requests, ingestRequest{seq: req.URL.Query().Get("seq"), body: string(body)})
		f.mu.Unlock()
		w.WriteHeader(200)
		w.Write([]byte(time.Now().UTC().Format("2006-01-02T15:04:05.000") + "\n"))
	}))
	t.Cleanup(f.Close)
	return f
}

// captionPosts are the non-heartbeat requests
func (f *fakeIngestion) captionPosts() []ingestRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var posts []ingestRequest
	for _, r := range f.requests {
		if r.body != "" {
			posts = append(posts, r)
		}
	}
	return posts
}

func newRelay(t *testing.T, ingest *fakeIngestion) (*relay.Handler, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.JWTSecret = "client-test"
	cfg.DBPath = filepath.Join(t.TempDir(), "keys.db")
	cfg.YouTubeBaseURL = ingest.URL
	h, router, err := relay.Setup(&cfg, false)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		if err := h.Teardown(); err != nil {
			t.Errorf("teardown: %s", err)
		}
	})
	_, err = h.Keys.Create(context.Background(), "client tests", "key-1", nil)
	require.NoError(t, err)
	return h, srv
}

func TestSenderAgainstRelay(t *testing.T) {
	ctx := context.Background()
	ingest := newFakeIngestion(t)
	h, srv := newRelay(t, ingest)

	sender := NewSender(Options{BaseURL: srv.URL + "/", APIKey: "key-1", StreamKey: "stream-1", Sequence: 5})
	require.NoError(t, sender.Start(ctx))
	assert.True(t, sender.Started())
	assert.Equal(t, 5, sender.Sequence())
	assert.Len(t, sender.SessionID(), 16)
	assert.False(t, sender.StartedAt().IsZero())
	assert.Equal(t, 1, h.Sessions.Size())
	t.Logf("session %s started at %s", sender.SessionID(), sender.StartedAt())

	res, err := sender.Send(ctx, Caption{Text: "hello", Timestamp: "2024-05-01T10:00:00.000"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Sequence)
	assert.Equal(t, "2024-05-01T10:00:00.000", res.Timestamp)
	assert.Equal(t, 200, res.StatusCode)
	require.NotNil(t, res.ServerTimestamp)
	assert.Equal(t, 6, sender.Sequence())

	assert.Equal(t, 1, sender.Construct(Caption{Text: "one", Timestamp: "2024-05-01T10:00:01.000"}))
	assert.Equal(t, 2, sender.Construct(Caption{Text: "two", Timestamp: "2024-05-01T10:00:02.000"}))
	batch, err := sender.SendBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Count)
	assert.Empty(t, sender.Queue())

	posts := ingest.captionPosts()
	require.Len(t, posts, 2)
	assert.Equal(t, "5", posts[0].seq)
	assert.Equal(t, "2024-05-01T10:00:00.000\nhello\n", posts[0].body)
	assert.Equal(t, "6", posts[1].seq)
	assert.Equal(t, "2024-05-01T10:00:01.000\none\n2024-05-01T10:00:02.000\ntwo\n", posts[1].body)

	status, err := sender.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, status.Sequence)

	synced, err := sender.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, synced.StatusCode)
	assert.Equal(t, synced.SyncOffset, sender.SyncOffset())

	// registering again returns the same session
	again := NewSender(Options{BaseURL: srv.URL, APIKey: "key-1", StreamKey: "stream-1"})
	require.NoError(t, again.Start(ctx))
	assert.Equal(t, sender.SessionID(), again.SessionID())
	assert.Equal(t, 7, again.Sequence())

	require.NoError(t, sender.End(ctx))
	assert.False(t, sender.Started())
	assert.Equal(t, 0, h.Sessions.Size())

	_, err = again.Heartbeat(ctx)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 404, cerr.StatusCode)
	assert.Equal(t, "Session not found", cerr.Message)
}

func TestSenderRelativeTime(t *testing.T) {
	ctx := context.Background()
	ingest := newFakeIngestion(t)
	_, srv := newRelay(t, ingest)

	sender := NewSender(Options{BaseURL: srv.URL, APIKey: "key-1", StreamKey: "stream-2", Domain: "https://app.example"})
	require.NoError(t, sender.Start(ctx))
	res, err := sender.Send(ctx, At("later", 5000))
	require.NoError(t, err)
	got, err := time.Parse("2006-01-02T15:04:05.000", res.Timestamp)
	require.NoError(t, err)
	// the relay applies its own sync offset, which is small against a local server
	want := sender.StartedAt().Add(5 * time.Second)
	assert.WithinDuration(t, want, got, 2*time.Second)
}

func TestSenderErrors(t *testing.T) {
	ctx := context.Background()
	ingest := newFakeIngestion(t)
	_, srv := newRelay(t, ingest)

	bad := NewSender(Options{BaseURL: srv.URL, APIKey: "wrong", StreamKey: "s"})
	err := bad.Start(ctx)
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 401, cerr.StatusCode)
	assert.Equal(t, "API key unknown_key", cerr.Message)
	assert.False(t, bad.Started())

	noSession := NewSender(Options{BaseURL: srv.URL, APIKey: "key-1", StreamKey: "s"})
	_, err = noSession.Send(ctx, Caption{Text: "x"})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 401, cerr.StatusCode)

	unreachable := NewSender(Options{BaseURL: "http://127.0.0.1:1", APIKey: "key-1", StreamKey: "s"})
	err = unreachable.Start(ctx)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, cerr.StatusCode)
	assert.True(t, strings.HasPrefix(cerr.Error(), "relay request failed"))
}

func TestQueue(t *testing.T) {
	sender := NewSender(Options{BaseURL: "http://relay.invalid"})
	sender.Construct(Caption{Text: "a"})
	sender.Construct(At("b", 10))
	q := sender.Queue()
	require.Len(t, q, 2)
	require.NotNil(t, q[1].Time)
	assert.Equal(t, int64(10), *q[1].Time)
	assert.Equal(t, 2, sender.ClearQueue())
	assert.Empty(t, sender.Queue())
}
