// Package client sends captions through a relay server rather than directly to the ingestion
// endpoint. The API mirrors youtube.Sender.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lcyt/lcyt-relay/internal"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultDomain  = "http://localhost"
	DefaultTimeout = 30 * time.Second
)

// Error is a failed call to the relay. StatusCode is zero when no response was received.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("relay request failed: %s", e.Message)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Caption is one caption to relay. At most one of Timestamp and Time should be set, Time wins
// if both are. With neither the relay stamps the caption itself.
type Caption struct {
	Text string `json:"text"`
	// Timestamp is an absolute ISO 8601 time.
	Timestamp string `json:"timestamp,omitempty"`
	// Time is milliseconds since the session started, resolved by the relay.
	Time *int64 `json:"time,omitempty"`
}

// At returns a caption shown ms milliseconds after the session started.
func At(text string, ms int64) Caption {
	return Caption{Text: text, Time: &ms}
}

type Options struct {
	BaseURL   string
	APIKey    string
	StreamKey string
	// Domain is the origin the session is bound to. Defaults to DefaultDomain.
	Domain     string
	Sequence   int
	HTTPClient *http.Client
}

type CaptionsResult struct {
	Sequence        int     `json:"sequence"`
	Timestamp       string  `json:"timestamp,omitempty"`
	Count           int     `json:"count,omitempty"`
	StatusCode      int     `json:"statusCode"`
	ServerTimestamp *string `json:"serverTimestamp"`
}

type SyncResult struct {
	SyncOffset      int64   `json:"syncOffset"`
	RoundTripTime   int64   `json:"roundTripTime"`
	ServerTimestamp *string `json:"serverTimestamp"`
	StatusCode      int     `json:"statusCode"`
}

type StatusResult struct {
	Sequence   int   `json:"sequence"`
	SyncOffset int64 `json:"syncOffset"`
}

type registerResult struct {
	Token      string  `json:"token"`
	SessionID  string  `json:"sessionId"`
	Sequence   int     `json:"sequence"`
	SyncOffset int64   `json:"syncOffset"`
	StartedAt  float64 `json:"startedAt"`
}

// Sender is a relay session. It is safe for concurrent use.
type Sender struct {
	opts   Options
	client *http.Client

	mu         sync.Mutex
	token      string
	sessionID  string
	started    bool
	sequence   int
	syncOffset int64
	startedAt  float64
	queue      []Caption
}

func NewSender(opts Options) *Sender {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Sender{
		opts:     opts,
		client:   client,
		sequence: opts.Sequence,
	}
}

func (s *Sender) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, span := internal.StartSpan(ctx, "client."+strings.TrimPrefix(path, "/"))
	defer span.End()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Message: err.Error(), Err: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, reader)
	if err != nil {
		return &Error{Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		span.Fail(err)
		return &Error{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.Fail(err)
		return &Error{StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "error").Str
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: "invalid response: " + err.Error(), Err: err}
	}
	return nil
}

// Start registers the session and takes the relay's sequence, offset and start time.
// Registering again with the same keys returns the same session.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	seq := s.sequence
	s.mu.Unlock()
	var res registerResult
	err := s.do(ctx, http.MethodPost, "/live", map[string]interface{}{
		"apiKey":    s.opts.APIKey,
		"streamKey": s.opts.StreamKey,
		"domain":    s.opts.Domain,
		"sequence":  seq,
	}, &res)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = res.Token
	s.sessionID = res.SessionID
	s.sequence = res.Sequence
	s.syncOffset = res.SyncOffset
	s.startedAt = res.StartedAt
	s.started = true
	logger.Debug().Str("s", res.SessionID).Int("seq", res.Sequence).Msg("relay session started")
	return nil
}

// End tears down the relay session and forgets the token.
func (s *Sender) End(ctx context.Context) error {
	if err := s.do(ctx, http.MethodDelete, "/live", nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.started = false
	return nil
}

func (s *Sender) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Send relays one caption.
func (s *Sender) Send(ctx context.Context, c Caption) (*CaptionsResult, error) {
	return s.sendCaptions(ctx, []Caption{c})
}

// SendBatch relays several captions in one request. A nil slice sends and drains the queue.
func (s *Sender) SendBatch(ctx context.Context, captions []Caption) (*CaptionsResult, error) {
	if captions == nil {
		s.mu.Lock()
		captions = s.queue
		s.queue = nil
		s.mu.Unlock()
	}
	return s.sendCaptions(ctx, captions)
}

func (s *Sender) sendCaptions(ctx context.Context, captions []Caption) (*CaptionsResult, error) {
	var res CaptionsResult
	if err := s.do(ctx, http.MethodPost, "/captions", map[string]interface{}{"captions": captions}, &res); err != nil {
		return nil, err
	}
	s.mu.Lock()
	// the response carries the sequence the post used
	s.sequence = res.Sequence + 1
	s.mu.Unlock()
	return &res, nil
}

// Construct queues a caption for the next SendBatch(nil) and returns the queue length.
func (s *Sender) Construct(c Caption) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, c)
	return len(s.queue)
}

func (s *Sender) Queue() []Caption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Caption(nil), s.queue...)
}

// ClearQueue empties the queue and returns how many captions were dropped.
func (s *Sender) ClearQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

// Sync asks the relay to re-estimate the clock offset for this session.
func (s *Sender) Sync(ctx context.Context) (*SyncResult, error) {
	var res SyncResult
	if err := s.do(ctx, http.MethodPost, "/sync", nil, &res); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.syncOffset = res.SyncOffset
	s.mu.Unlock()
	return &res, nil
}

// Heartbeat fetches the session status and refreshes the local sequence and offset.
func (s *Sender) Heartbeat(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := s.do(ctx, http.MethodGet, "/live", nil, &res); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sequence = res.Sequence
	s.syncOffset = res.SyncOffset
	s.mu.Unlock()
	return &res, nil
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

func (s *Sender) SetSyncOffset(offsetMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncOffset = offsetMs
}

// StartedAt is the session start time reported by the relay.
func (s *Sender) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.UnixMilli(int64(s.startedAt * 1000)).UTC()
}

func (s *Sender) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}
