// Package session holds the live relay sessions in memory.
//
// Each session owns one upstream sender. A sender is ended exactly once: by the caller of
// Remove, by the idle reaper, or by Close at shutdown.
package session

import (
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultIdleTimeout   = 2 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

type Options struct {
	// IdleTimeout is how long a session may go without activity before the reaper ends it.
	IdleTimeout time.Duration
	// SweepInterval is how often the reaper runs. Zero disables the reaper, Sweep can still
	// be called manually.
	SweepInterval time.Duration
	Clock         clock.Clock
	// OnEvict is called for every session the reaper ends.
	OnEvict func(s *Session)
}

// Store is the session map. Lookups go straight to the cache, mutations which must observe
// the map atomically hold mu.
type Store struct {
	cache   *ttlcache.Cache[string, *Session]
	mu      sync.Mutex
	idle    time.Duration
	clock   clock.Clock
	onEvict func(s *Session)

	ticker   *clock.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStore makes a store and starts its reaper.
func NewStore(opts Options) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Store{
		// expiry is decided by the reaper from lastActivity, entries have no cache TTL
		cache:   ttlcache.New[string, *Session](ttlcache.WithDisableTouchOnHit[string, *Session]()),
		idle:    opts.IdleTimeout,
		clock:   opts.Clock,
		onEvict: opts.OnEvict,
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		s.ticker = opts.Clock.Ticker(opts.SweepInterval)
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *Store) run() {
	defer internal.ReportPanicsToSentry()
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Info().Int("evicted", n).Int("remaining", s.Size()).Msg("reaped idle sessions")
			}
		}
	}
}

// Create inserts a new session built from f. If a session already exists for the triple it
// is returned unchanged with created=false and f is ignored, so the caller still owns
// f.Sender.
func (s *Store) Create(f Fields) (sess *Session, created bool) {
	id := ID(f.APIKey, f.StreamKey, f.Domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.cache.Get(id); item != nil {
		return item.Value(), false
	}
	internal.Assert("session has a sender", f.Sender != nil)
	now := s.clock.Now()
	sess = &Session{
		ID:        id,
		APIKey:    f.APIKey,
		StreamKey: f.StreamKey,
		Domain:    f.Domain,
		StartedAt: now,
		sender:    f.Sender,
	}
	sess.token.Store(f.Token)
	sess.sequence.Store(int64(f.Sequence))
	sess.syncOffset.Store(f.SyncOffset)
	sess.touch(now)
	s.cache.Set(id, sess, ttlcache.NoTTL)
	return sess, true
}

// Get returns the session or nil. It does not count as activity.
func (s *Store) Get(id string) *Session {
	item := s.cache.Get(id)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (s *Store) Has(id string) bool {
	return s.Get(id) != nil
}

// GetByDomain returns every live session registered from this origin.
func (s *Store) GetByDomain(domain string) []*Session {
	var out []*Session
	for _, item := range s.cache.Items() {
		if sess := item.Value(); sess.Domain == domain {
			out = append(out, sess)
		}
	}
	return out
}

// All returns a snapshot of every live session.
func (s *Store) All() []*Session {
	items := s.cache.Items()
	out := make([]*Session, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

// Touch marks the session as active now. No-op if absent.
func (s *Store) Touch(id string) {
	if sess := s.Get(id); sess != nil {
		sess.touch(s.clock.Now())
	}
}

// Remove deletes the session and returns it, or nil if absent. The caller must Terminate it.
func (s *Store) Remove(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.Get(id)
	if sess == nil {
		return nil
	}
	s.cache.Delete(id)
	return sess
}

func (s *Store) Size() int {
	return s.cache.Len()
}

// Sweep removes and terminates every session idle for longer than the idle timeout. Returns
// the number removed.
func (s *Store) Sweep() int {
	cutoff := s.clock.Now().Add(-s.idle)
	var expired []*Session
	s.mu.Lock()
	for id, item := range s.cache.Items() {
		sess := item.Value()
		if sess.LastActivity().Before(cutoff) {
			s.cache.Delete(id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	// upstream calls happen outside the lock
	for _, sess := range expired {
		if err := sess.Terminate(); err != nil {
			logger.Debug().Err(err).Str("s", sess.ID).Msg("ending idle session sender failed")
		}
		if s.onEvict != nil {
			s.onEvict(sess)
		}
		logger.Debug().Str("s", sess.ID).Time("last_activity", sess.LastActivity()).Msg("evicted idle session")
	}
	return len(expired)
}

// Stop halts the reaper and waits for an in-progress sweep to finish. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.done)
	})
	s.wg.Wait()
}

// Close stops the reaper then removes and terminates every session. Returns how many
// sessions were ended.
func (s *Store) Close() int {
	s.Stop()
	s.mu.Lock()
	all := s.All()
	s.cache.DeleteAll()
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.Terminate()
	}
	return len(all)
}
