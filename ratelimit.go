package relay

import (
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lcyt/lcyt-relay/internal"
	"golang.org/x/time/rate"
)

// registerLimiter throttles session registration per remote address. Limiters for addresses
// which have gone quiet expire from the cache.
type registerLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *ttlcache.Cache[string, *rate.Limiter]
	onLimit  func()
}

func newRegisterLimiter(perSecond float64, burst int, idle time.Duration) *registerLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &registerLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idle),
		),
	}
	go l.limiters.Start()
	return l
}

func (l *registerLimiter) allow(addr string) bool {
	item, _ := l.limiters.GetOrSet(addr, rate.NewLimiter(l.limit, l.burst))
	return item.Value().Allow()
}

// Wrap rejects requests over the limit with a 429.
func (l *registerLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !l.allow(remoteHost(req)) {
			if l.onLimit != nil {
				l.onLimit()
			}
			w.Header().Set("Retry-After", "1")
			internal.WriteError(w, internal.NewHandlerError(http.StatusTooManyRequests, "Too many registrations, slow down"))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (l *registerLimiter) stop() {
	l.limiters.Stop()
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
