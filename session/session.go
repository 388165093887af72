package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcyt/lcyt-relay/youtube"
)

var ErrAlreadyEnded = errors.New("session already ended")

// Sender is the upstream caption client owned by a session.
type Sender interface {
	Start() error
	End() error
	Send(ctx context.Context, text string, ts time.Time) (youtube.SendResult, error)
	SendBatch(ctx context.Context, captions []youtube.Caption) (youtube.SendResult, error)
	Heartbeat(ctx context.Context) (youtube.SendResult, error)
	Sequence() int
}

// ID is the session identity for a triple: the first 16 hex characters of
// sha256("apiKey:streamKey:domain").
func ID(apiKey, streamKey, domain string) string {
	sum := sha256.Sum256([]byte(apiKey + ":" + streamKey + ":" + domain))
	return hex.EncodeToString(sum[:])[:16]
}

// Fields are the inputs to Store.Create.
type Fields struct {
	APIKey     string
	StreamKey  string
	Domain     string
	Token      string
	Sequence   int
	SyncOffset int64
	Sender     Sender
}

// Session is one relay channel. The identity fields are immutable, the counters are safe to
// read and write concurrently.
type Session struct {
	ID        string
	APIKey    string
	StreamKey string
	Domain    string
	StartedAt time.Time

	token        atomic.Value // string
	sequence     atomic.Int64
	syncOffset   atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	// sendMu serialises upstream calls so sequence numbers are observed in order
	sendMu  sync.Mutex
	sender  Sender
	endOnce sync.Once
	ended   atomic.Bool
}

// Token is the bearer token handed out on registration.
func (s *Session) Token() string {
	tok, _ := s.token.Load().(string)
	return tok
}

// ReplaceToken swaps old for tok unless another caller replaced old first. It returns the
// token now in effect.
func (s *Session) ReplaceToken(old, tok string) string {
	if s.token.CompareAndSwap(old, tok) {
		return tok
	}
	return s.Token()
}

func (s *Session) Sequence() int {
	return int(s.sequence.Load())
}

func (s *Session) SetSequence(seq int) {
	s.sequence.Store(int64(seq))
}

// SyncOffset is the estimated upstream clock offset in milliseconds.
func (s *Session) SyncOffset() int64 {
	return s.syncOffset.Load()
}

func (s *Session) SetSyncOffset(offsetMs int64) {
	s.syncOffset.Store(offsetMs)
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// StartedAtMs is StartedAt as Unix epoch milliseconds.
func (s *Session) StartedAtMs() int64 {
	return s.StartedAt.UnixMilli()
}

func (s *Session) Ended() bool {
	return s.ended.Load()
}

// WithSender runs fn with exclusive use of the session's sender. Returns ErrAlreadyEnded
// once the session has been terminated.
func (s *Session) WithSender(fn func(sender Sender) error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended.Load() {
		return ErrAlreadyEnded
	}
	return fn(s.sender)
}

// Terminate ends the sender. Only the first call ends it, later calls return ErrAlreadyEnded.
// A call in flight through WithSender completes first.
func (s *Session) Terminate() error {
	err := ErrAlreadyEnded
	s.endOnce.Do(func() {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.ended.Store(true)
		err = s.sender.End()
	})
	return err
}
