package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/lcyt/lcyt-relay/auth"
	"github.com/lcyt/lcyt-relay/config"
	"github.com/lcyt/lcyt-relay/cors"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/lcyt/lcyt-relay/keys"
	"github.com/lcyt/lcyt-relay/session"
	"github.com/lcyt/lcyt-relay/token"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"
)

// Version is set at build time.
var Version = "dev"

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

type handlerFunc func(w http.ResponseWriter, req *http.Request) error

// serve writes a returned error as JSON. Server errors are logged, client errors are not.
func serve(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		err := fn(w, req)
		if err == nil {
			return
		}
		var herr *internal.HandlerError
		if errors.As(err, &herr) && herr.StatusCode < 500 {
			internal.WriteError(w, herr)
			return
		}
		hlog.FromRequest(req).Err(err).Msg("request failed")
		internal.WriteError(w, err)
	})
}

func bodyReadError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return internal.NewHandlerError(http.StatusRequestEntityTooLarge, "Request body exceeds %d bytes", tooBig.Limit)
	}
	return internal.BadRequest("failed to read request body: %s", err)
}

func readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, bodyReadError(err)
	}
	return body, nil
}

func (h *Handler) handleRegister(w http.ResponseWriter, req *http.Request) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	rr, err := ParseRegisterRequest(body)
	if err != nil {
		return err
	}
	res, err := h.Register(req.Context(), rr)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, req *http.Request) error {
	res, err := h.Status(req.Context(), auth.ClaimsFromContext(req.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleTeardown(w http.ResponseWriter, req *http.Request) error {
	res, err := h.EndSession(req.Context(), auth.ClaimsFromContext(req.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCaptions(w http.ResponseWriter, req *http.Request) error {
	body, err := readBody(req)
	if err != nil {
		return err
	}
	res, err := h.Captions(req.Context(), auth.ClaimsFromContext(req.Context()), body)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSync(w http.ResponseWriter, req *http.Request) error {
	res, err := h.Sync(req.Context(), auth.ClaimsFromContext(req.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleHealth(w http.ResponseWriter, req *http.Request) error {
	return writeJSON(w, http.StatusOK, h.Health())
}

// RouterOptions are the settings the HTTP surface needs beyond the Handler itself.
type RouterOptions struct {
	AdminKey      string
	MaxBodyBytes  int64
	RegisterRate  float64
	RegisterBurst int
}

// Router builds the relay's HTTP handler with the full middleware chain.
func (h *Handler) Router(opts RouterOptions) http.Handler {
	bearer := auth.Bearer(h.Codec)
	admin := auth.Admin(opts.AdminKey)

	var register http.Handler = serve(h.handleRegister)
	if opts.RegisterRate > 0 {
		h.limiter = newRegisterLimiter(opts.RegisterRate, opts.RegisterBurst, time.Minute)
		h.limiter.onLimit = h.metrics.countRateLimited
		register = h.limiter.Wrap(register)
	}

	r := mux.NewRouter()
	r.Handle("/live", register).Methods(http.MethodPost)
	r.Handle("/live", bearer(serve(h.handleStatus))).Methods(http.MethodGet)
	r.Handle("/live", bearer(serve(h.handleTeardown))).Methods(http.MethodDelete)
	r.Handle("/captions", bearer(serve(h.handleCaptions))).Methods(http.MethodPost)
	r.Handle("/sync", bearer(serve(h.handleSync))).Methods(http.MethodPost)
	r.Handle("/health", serve(h.handleHealth)).Methods(http.MethodGet)
	for _, path := range []string{"/keys", "/keys/"} {
		r.Handle(path, admin(serve(h.listKeys))).Methods(http.MethodGet)
		r.Handle(path, admin(serve(h.createKey))).Methods(http.MethodPost)
	}
	r.Handle("/keys/{key}", admin(serve(h.getKey))).Methods(http.MethodGet)
	r.Handle("/keys/{key}", admin(serve(h.updateKey))).Methods(http.MethodPatch)
	r.Handle("/keys/{key}", admin(serve(h.deleteKey))).Methods(http.MethodDelete)
	r.NotFoundHandler = serve(func(w http.ResponseWriter, req *http.Request) error {
		return internal.NotFound("Not found")
	})
	r.MethodNotAllowedHandler = serve(func(w http.ResponseWriter, req *http.Request) error {
		return internal.NewHandlerError(http.StatusMethodNotAllowed, "Method not allowed")
	})

	maxBody := opts.MaxBodyBytes
	policy := cors.NewPolicy(h.Sessions)
	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			recoverPanics,
			withRequestContext,
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				l := hlog.FromRequest(r).Info()
				internal.DecorateLogger(r.Context(), l).
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle,
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if maxBody > 0 && req.Body != nil {
						req.Body = http.MaxBytesReader(w, req.Body, maxBody)
					}
					next.ServeHTTP(w, req)
				})
			},
			policy.Middleware,
		},
		final: r,
	}
	return otelhttp.NewHandler(srv, "lcyt-relay")
}

func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error().Str("stack", string(debug.Stack())).Str("path", req.URL.Path).Msg(fmt.Sprintf("panic: %v", p))
				internal.WriteError(w, internal.NewHandlerError(http.StatusInternalServerError, "Internal server error"))
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// Teardown ends every live session and releases the handler's resources.
func (h *Handler) Teardown() error {
	n := h.Sessions.Close()
	logger.Info().Int("sessions", n).Msg("ended live sessions")
	h.metrics.unregister()
	var err error
	if h.limiter != nil {
		h.limiter.stop()
	}
	for _, closer := range h.closers {
		err = multierr.Append(err, closer())
	}
	return err
}

// Setup builds a Handler and its router from cfg. The returned handler must be torn down.
func Setup(cfg *config.Config, enablePrometheus bool) (*Handler, http.Handler, error) {
	db, err := keys.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open key database: %w", err)
	}
	return setupWithDB(cfg, db, enablePrometheus)
}

func setupWithDB(cfg *config.Config, db *sqlx.DB, enablePrometheus bool) (*Handler, http.Handler, error) {
	var h *Handler
	store := session.NewStore(session.Options{
		IdleTimeout:   cfg.SessionTTL,
		SweepInterval: cfg.CleanupInterval,
		OnEvict: func(s *session.Session) {
			logger.Info().Str("s", s.ID).Msg("idle session evicted")
			h.metrics.countEviction()
		},
	})
	codec := token.NewCodec([]byte(cfg.JWTSecret), token.WithTTL(cfg.TokenTTL))
	client := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	h = NewHandler(keys.NewTable(db), store, codec, func(streamKey string, sequence int) session.Sender {
		return youtube.NewSender(youtube.Options{
			StreamKey:  streamKey,
			BaseURL:    cfg.YouTubeBaseURL,
			Sequence:   sequence,
			HTTPClient: client,
		})
	}, nil)
	h.SyncMode = cfg.SyncMode
	h.closers = append(h.closers, db.Close)
	if enablePrometheus {
		h.addPrometheusMetrics()
	}
	router := h.Router(RouterOptions{
		AdminKey:      cfg.AdminKey,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		RegisterRate:  cfg.RegisterRate,
		RegisterBurst: cfg.RegisterBurst,
	})
	return h, router, nil
}

// RunServer serves h until ctx is cancelled, then drains in-flight requests for up to
// drainTimeout.
func RunServer(ctx context.Context, h http.Handler, bindAddr string, drainTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              bindAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		defer internal.ReportPanicsToSentry()
		logger.Info().Msgf("listening on %s", bindAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sentry.CaptureException(err)
		return err
	}
	return nil
}
