// Package mcpserver exposes direct caption senders as Model Context Protocol tools, so an
// assistant can open a stream session, send captions and read the session state.
//
// Sessions here are local to the process and hold a youtube.Sender each. They are not relay
// sessions: there is no API key, token or idle reaper.
package mcpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcyt/lcyt-relay/clocksync"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var ErrUnknownSession = errors.New("unknown session_id")

// Sender is the part of youtube.Sender the tools drive.
type Sender interface {
	Start() error
	End() error
	Send(ctx context.Context, text string, ts time.Time) (youtube.SendResult, error)
	SendBatch(ctx context.Context, captions []youtube.Caption) (youtube.SendResult, error)
	Sync(ctx context.Context) (clocksync.Result, error)
	Sequence() int
	SyncOffset() int64
}

// SenderFactory makes an unstarted sender for a stream key.
type SenderFactory func(streamKey string) Sender

type entry struct {
	sender    Sender
	startedAt time.Time
}

// Status is the get_status payload.
type Status struct {
	Sequence   int   `json:"sequence"`
	SyncOffset int64 `json:"syncOffset"`
}

// Snapshot is the body of a session:// resource.
type Snapshot struct {
	Sequence   int    `json:"sequence"`
	SyncOffset int64  `json:"syncOffset"`
	StartedAt  string `json:"startedAt"`
}

// Sessions maps session ids to started senders. It is safe for concurrent use.
type Sessions struct {
	newSender SenderFactory
	clock     clock.Clock

	mu   sync.Mutex
	live map[string]*entry
}

func NewSessions(newSender SenderFactory, clk clock.Clock) *Sessions {
	if clk == nil {
		clk = clock.New()
	}
	return &Sessions{
		newSender: newSender,
		clock:     clk,
		live:      make(map[string]*entry),
	}
}

func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Sessions) get(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return e, nil
}

// Start makes and starts a sender for streamKey and returns its session id.
func (s *Sessions) Start(ctx context.Context, streamKey string) (string, error) {
	if streamKey == "" {
		return "", &youtube.ValidationError{Field: "stream_key", Msg: "stream key is required"}
	}
	sender := s.newSender(streamKey)
	if err := sender.Start(); err != nil {
		return "", err
	}
	id, err := newSessionID()
	if err != nil {
		_ = sender.End()
		return "", fmt.Errorf("cannot generate session id: %w", err)
	}
	s.mu.Lock()
	s.live[id] = &entry{sender: sender, startedAt: s.clock.Now().UTC()}
	s.mu.Unlock()
	logger.Info().Str("s", id).Msg("session started")
	return id, nil
}

// SendCaption sends one caption. An empty timestamp means now.
func (s *Sessions) SendCaption(ctx context.Context, id, text, timestamp string) (youtube.SendResult, error) {
	e, err := s.get(id)
	if err != nil {
		return youtube.SendResult{}, err
	}
	var ts time.Time
	if timestamp != "" {
		if ts, err = youtube.ParseTimestamp(timestamp); err != nil {
			return youtube.SendResult{}, err
		}
	}
	return e.sender.Send(ctx, text, ts)
}

func (s *Sessions) SendBatch(ctx context.Context, id string, captions []youtube.Caption) (youtube.SendResult, error) {
	e, err := s.get(id)
	if err != nil {
		return youtube.SendResult{}, err
	}
	if len(captions) == 0 {
		return youtube.SendResult{}, &youtube.ValidationError{Field: "captions", Msg: "captions must be a non-empty array"}
	}
	return e.sender.SendBatch(ctx, captions)
}

func (s *Sessions) SyncClock(ctx context.Context, id string) (clocksync.Result, error) {
	e, err := s.get(id)
	if err != nil {
		return clocksync.Result{}, err
	}
	return e.sender.Sync(ctx)
}

func (s *Sessions) Status(id string) (Status, error) {
	e, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	return Status{Sequence: e.sender.Sequence(), SyncOffset: e.sender.SyncOffset()}, nil
}

func (s *Sessions) Snapshot(id string) (Snapshot, error) {
	e, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Sequence:   e.sender.Sequence(),
		SyncOffset: e.sender.SyncOffset(),
		StartedAt:  e.startedAt.Format(time.RFC3339Nano),
	}, nil
}

// Stop forgets the session and ends its sender.
func (s *Sessions) Stop(id string) error {
	s.mu.Lock()
	e, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	logger.Info().Str("s", id).Msg("session stopped")
	return e.sender.End()
}

// IDs returns the live session ids in sorted order.
func (s *Sessions) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close ends every session and returns how many there were.
func (s *Sessions) Close() int {
	s.mu.Lock()
	live := s.live
	s.live = make(map[string]*entry)
	s.mu.Unlock()
	for id, e := range live {
		if err := e.sender.End(); err != nil {
			logger.Warn().Err(err).Str("s", id).Msg("failed to end sender")
		}
	}
	return len(live)
}
