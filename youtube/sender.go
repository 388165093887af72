// Package youtube is a client for the YouTube live caption ingestion endpoint.
//
// Captions are POSTed as text/plain to {base}?cid={streamKey}&seq={n}. Each caption is a
// timestamp line followed by its text. The sequence number only advances when YouTube
// accepts a post, and the server's clock reading is returned in the response body.
package youtube

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcyt/lcyt-relay/clocksync"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultBaseURL = "http://upload.youtube.com/closedcaption"
	DefaultRegion  = "reg1"
	DefaultCue     = "cue1"
	DefaultTimeout = 30 * time.Second

	// TimestampFormat is what the ingestion endpoint accepts: millisecond precision, UTC,
	// no zone suffix.
	TimestampFormat = "2006-01-02T15:04:05.000"

	// spacing between captions in one post which carry no timestamp
	autoSpacing = 100 * time.Millisecond

	maxResponseBytes = 64 * 1024
)

// Version is sent in the User-Agent header.
var Version = ""

type Caption struct {
	Text string
	// Time is when the caption should be shown. The zero value means now, offset by the
	// sync offset once Sync has run.
	Time time.Time
}

type SendResult struct {
	// Sequence is the sequence number the post was sent with.
	Sequence        int
	StatusCode      int
	Response        string
	ServerTimestamp string
	// Timestamp is the formatted timestamp of a single caption send.
	Timestamp string
	// Count is the number of captions in the post.
	Count int
}

// OK returns true if YouTube accepted the post.
func (r SendResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Options struct {
	StreamKey string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// IngestionURL is the full URL including the cid parameter. It overrides StreamKey and
	// BaseURL.
	IngestionURL string
	Region       string
	Cue          string
	// UseRegion prefixes each caption with region:{Region}#{Cue}.
	UseRegion bool
	Sequence  int
	// UseSyncOffset applies the sync offset to generated timestamps from the start, rather
	// than after the first Sync.
	UseSyncOffset bool
	SyncOffset    int64
	HTTPClient    *http.Client
	Clock         clock.Clock
}

// Sender sends captions for one stream. It is safe for concurrent use, posts are serialised
// so sequence numbers are assigned in order.
type Sender struct {
	mu            sync.Mutex
	opts          Options
	url           string
	started       bool
	sequence      int
	syncOffset    int64
	useSyncOffset bool
	queue         []Caption
	client        *http.Client
	clock         clock.Clock
}

func NewSender(opts Options) *Sender {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.Cue == "" {
		opts.Cue = DefaultCue
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Sender{
		opts:          opts,
		sequence:      opts.Sequence,
		syncOffset:    opts.SyncOffset,
		useSyncOffset: opts.UseSyncOffset,
		client:        client,
		clock:         opts.Clock,
	}
}

// Start resolves the ingestion URL. It must be called before anything is sent.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.opts.IngestionURL != "":
		s.url = s.opts.IngestionURL
	case s.opts.StreamKey != "":
		u, err := Config{StreamKey: s.opts.StreamKey, BaseURL: s.opts.BaseURL}.IngestionURL()
		if err != nil {
			return err
		}
		s.url = u
	default:
		return &ValidationError{Field: "stream_key", Msg: "either a stream key or an ingestion URL must be provided"}
	}
	s.started = true
	logger.Debug().Str("base", s.opts.BaseURL).Int("seq", s.sequence).Msg("sender started")
	return nil
}

// End stops the sender and drops any queued captions. The sequence number is kept so the
// sender can be started again.
func (s *Sender) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errNotStarted()
	}
	s.started = false
	s.queue = nil
	logger.Debug().Int("seq", s.sequence).Msg("sender stopped")
	return nil
}

func (s *Sender) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Send posts a single caption. A zero ts means now.
func (s *Sender) Send(ctx context.Context, text string, ts time.Time) (SendResult, error) {
	if text == "" {
		return SendResult{}, &ValidationError{Field: "text", Msg: "caption text cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return SendResult{}, errNotStarted()
	}
	res, stamps, err := s.sendCaptions(ctx, []Caption{{Text: text, Time: ts}})
	if len(stamps) == 1 {
		res.Timestamp = stamps[0]
	}
	return res, err
}

// Construct queues a caption for the next SendBatch(nil) and returns the queue length.
func (s *Sender) Construct(text string, ts time.Time) (int, error) {
	if text == "" {
		return 0, &ValidationError{Field: "text", Msg: "caption text is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, errNotStarted()
	}
	s.queue = append(s.queue, Caption{Text: text, Time: ts})
	return len(s.queue), nil
}

// SendBatch posts all captions in one request. A nil slice sends and drains the queue.
func (s *Sender) SendBatch(ctx context.Context, captions []Caption) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return SendResult{}, errNotStarted()
	}
	if captions == nil {
		captions = s.queue
		s.queue = nil
	}
	if len(captions) == 0 {
		return SendResult{}, &ValidationError{Msg: "no captions to send"}
	}
	res, _, err := s.sendCaptions(ctx, captions)
	return res, err
}

// Heartbeat posts an empty body. It does not advance the sequence number.
func (s *Sender) Heartbeat(ctx context.Context) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return SendResult{}, errNotStarted()
	}
	return s.heartbeat(ctx)
}

func (s *Sender) heartbeat(ctx context.Context) (SendResult, error) {
	res, err := s.post(ctx, "", s.sequence)
	if err != nil {
		return res, err
	}
	logger.Trace().Int("seq", s.sequence).Int("status", res.StatusCode).Msg("heartbeat")
	return res, nil
}

// Sync estimates the clock offset to the ingestion server from one heartbeat. Once a server
// timestamp has been received, generated timestamps are corrected by the offset.
func (s *Sender) Sync(ctx context.Context) (clocksync.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return clocksync.Result{}, errNotStarted()
	}
	res, err := clocksync.Sync(ctx, s.clock, func(ctx context.Context) (int, string, error) {
		hb, err := s.heartbeat(ctx)
		return hb.StatusCode, hb.ServerTimestamp, err
	}, s.syncOffset)
	if err != nil {
		return res, err
	}
	if _, perr := clocksync.ParseServerTimestamp(res.ServerTimestamp); perr == nil {
		s.syncOffset = res.OffsetMs
		s.useSyncOffset = true
	}
	logger.Debug().Int64("offset_ms", res.OffsetMs).Int64("rtt_ms", res.RoundTripMs).Msg("synced")
	return res, nil
}

// SendTest posts the two line sample from YouTube's documentation.
func (s *Sender) SendTest(ctx context.Context) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return SendResult{}, errNotStarted()
	}
	now := s.now()
	body := fmt.Sprintf("%s region:reg1#cue1\nHELLO\n%s region:reg1#cue1\nWORLD\n",
		FormatTimestamp(now), FormatTimestamp(now.Add(autoSpacing)))
	sent := s.sequence
	res, err := s.post(ctx, body, sent)
	if err != nil {
		return res, err
	}
	res.Count = 2
	if res.OK() {
		s.sequence++
	}
	return res, nil
}

// Queue returns a copy of the queued captions.
func (s *Sender) Queue() []Caption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Caption(nil), s.queue...)
}

// ClearQueue drops the queued captions and returns how many there were.
func (s *Sender) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

func (s *Sender) Sequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

func (s *Sender) SetSequence(seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = seq
}

func (s *Sender) SyncOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncOffset
}

// SetSyncOffset restores a previously computed offset. It does not enable offset correction.
func (s *Sender) SetSyncOffset(offsetMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncOffset = offsetMs
}

// now returns the current time corrected by the sync offset when enabled. Must hold mu.
func (s *Sender) now() time.Time {
	now := s.clock.Now()
	if s.useSyncOffset {
		now = now.Add(time.Duration(s.syncOffset) * time.Millisecond)
	}
	return now
}

// sendCaptions builds and posts one body. Must hold mu.
func (s *Sender) sendCaptions(ctx context.Context, captions []Caption) (SendResult, []string, error) {
	base := s.now()
	lines := make([]string, len(captions))
	stamps := make([]string, len(captions))
	for i, c := range captions {
		ts := c.Time
		if ts.IsZero() {
			ts = base.Add(time.Duration(i) * autoSpacing)
		}
		stamps[i] = FormatTimestamp(ts)
		if s.opts.UseRegion {
			lines[i] = fmt.Sprintf("%s region:%s#%s\n%s", stamps[i], s.opts.Region, s.opts.Cue, c.Text)
		} else {
			lines[i] = stamps[i] + "\n" + c.Text
		}
	}
	body := strings.Join(lines, "\n") + "\n"
	sent := s.sequence
	res, err := s.post(ctx, body, sent)
	res.Count = len(captions)
	if err != nil {
		return res, stamps, err
	}
	if res.OK() {
		s.sequence++
		logger.Trace().Int("seq", sent).Int("count", len(captions)).Msg("sent captions")
	} else {
		logger.Debug().Int("seq", sent).Int("status", res.StatusCode).Msg("captions rejected")
	}
	return res, stamps, nil
}

func (s *Sender) requestURL(seq int) string {
	sep := "?"
	if strings.Contains(s.url, "?") {
		sep = "&"
	}
	return s.url + sep + "seq=" + strconv.Itoa(seq)
}

func (s *Sender) post(ctx context.Context, body string, seq int) (SendResult, error) {
	ctx, span := internal.StartSpan(ctx, "youtube.post")
	defer span.End()
	res := SendResult{Sequence: seq}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.requestURL(seq), strings.NewReader(body))
	if err != nil {
		span.Fail(err)
		return res, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("User-Agent", "lcyt-relay/"+Version)
	resp, err := s.client.Do(req)
	if err != nil {
		span.Fail(err)
		return res, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.Fail(err)
		return res, &NetworkError{StatusCode: resp.StatusCode, Err: err}
	}
	res.StatusCode = resp.StatusCode
	res.Response = string(respBody)
	res.ServerTimestamp = strings.TrimSpace(res.Response)
	internal.Logf(ctx, "youtube", "seq=%d status=%d", seq, resp.StatusCode)
	return res, nil
}

// FormatTimestamp renders t in the ingestion endpoint's format, truncated to milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
}

// ParseTimestamp parses an ISO 8601 timestamp. Timestamps without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Msg: fmt.Sprintf("invalid timestamp %q", s)}
}

// maxNumericSeconds is the largest magnitude a time.Duration can hold in seconds.
const maxNumericSeconds = float64(math.MaxInt64 / int64(time.Second))

// TimeFromNumber interprets v as Unix epoch seconds when it is at least 1000, otherwise as
// seconds relative to now (negative is the past). Values a Duration cannot hold, such as
// epoch milliseconds, are a ValidationError.
func TimeFromNumber(now time.Time, v float64) (time.Time, error) {
	if math.IsNaN(v) || math.Abs(v) > maxNumericSeconds {
		return time.Time{}, &ValidationError{Field: "timestamp", Msg: fmt.Sprintf("numeric timestamp %v is out of range, expected seconds", v)}
	}
	d := time.Duration(v * float64(time.Second))
	if v >= 1000 {
		return time.Unix(0, 0).Add(d).UTC(), nil
	}
	return now.Add(d), nil
}
