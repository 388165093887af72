package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcyt/lcyt-relay/clocksync"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/lcyt/lcyt-relay/keys"
	"github.com/lcyt/lcyt-relay/session"
	"github.com/lcyt/lcyt-relay/token"
	"github.com/lcyt/lcyt-relay/youtube"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// KeyStore is the key registry as seen by the relay.
type KeyStore interface {
	Validate(ctx context.Context, key string) (keys.Validation, error)
	Create(ctx context.Context, owner, key string, expiresAt *time.Time) (*keys.Record, error)
	Revoke(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Update(ctx context.Context, key string, upd keys.Update) (bool, error)
	GetAll(ctx context.Context) ([]keys.Record, error)
	Get(ctx context.Context, key string) (*keys.Record, error)
}

// SenderFactory makes an unstarted upstream sender for a stream.
type SenderFactory func(streamKey string, sequence int) session.Sender

// Handler ties sessions, tokens and the key registry together. Each exported operation maps to
// one relay endpoint and returns a *internal.HandlerError on failure.
type Handler struct {
	Keys      KeyStore
	Sessions  *session.Store
	Codec     *token.Codec
	NewSender SenderFactory
	Clock     clock.Clock
	// SyncMode is config.SyncModeNTP or config.SyncModeRTT.
	SyncMode string

	startedAt time.Time
	creating  singleflight.Group
	metrics   *metrics
	limiter   *registerLimiter
	closers   []func() error
}

func NewHandler(keyStore KeyStore, sessions *session.Store, codec *token.Codec, newSender SenderFactory, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		Keys:      keyStore,
		Sessions:  sessions,
		Codec:     codec,
		NewSender: newSender,
		Clock:     clk,
		SyncMode:  "ntp",
		startedAt: clk.Now(),
	}
}

type RegisterRequest struct {
	APIKey    string
	StreamKey string
	Domain    string
	Sequence  int
}

type SessionResponse struct {
	Token      string  `json:"token"`
	SessionID  string  `json:"sessionId"`
	Sequence   int     `json:"sequence"`
	SyncOffset int64   `json:"syncOffset"`
	StartedAt  float64 `json:"startedAt"`
}

func sessionResponse(sess *session.Session, tok string) *SessionResponse {
	return &SessionResponse{
		Token:      tok,
		SessionID:  sess.ID,
		Sequence:   sess.Sequence(),
		SyncOffset: sess.SyncOffset(),
		StartedAt:  float64(sess.StartedAtMs()) / 1000,
	}
}

// ParseRegisterRequest reads the POST /live body.
func ParseRegisterRequest(body []byte) (RegisterRequest, error) {
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return RegisterRequest{}, internal.BadRequest("request body is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	req := RegisterRequest{
		APIKey:    parsed.Get("apiKey").String(),
		StreamKey: parsed.Get("streamKey").String(),
		Domain:    parsed.Get("domain").String(),
	}
	if seq := parsed.Get("sequence"); seq.Exists() && seq.Type != gjson.Null {
		if seq.Type != gjson.Number && !(seq.Type == gjson.String && isInteger(seq.Str)) {
			return req, internal.BadRequest("sequence must be a number")
		}
		req.Sequence = int(seq.Int())
	}
	return req, nil
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '-' && i == 0 && len(s) > 1 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Register returns the session for the triple, creating it if needed. Registering a triple
// which already has a live session is idempotent and returns the existing token.
func (h *Handler) Register(ctx context.Context, req RegisterRequest) (*SessionResponse, error) {
	if req.APIKey == "" || req.StreamKey == "" || req.Domain == "" {
		return nil, internal.BadRequest("apiKey, streamKey, and domain are required")
	}
	validation, err := h.Keys.Validate(ctx, req.APIKey)
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return nil, internal.NewHandlerError(http.StatusInternalServerError, "failed to validate API key: %s", err)
	}
	if !validation.Valid {
		return nil, internal.Unauthorized("API key %s", validation.Reason)
	}
	id := session.ID(req.APIKey, req.StreamKey, req.Domain)
	internal.SetRequestContextSessionID(ctx, id)
	if sess := h.Sessions.Get(id); sess != nil {
		return h.tokenResponse(sess)
	}

	// concurrent registrations for one triple share a single upstream start
	v, err, _ := h.creating.Do(id, func() (interface{}, error) {
		return h.createSession(context.WithoutCancel(ctx), req, id)
	})
	if err != nil {
		return nil, err
	}
	return h.tokenResponse(v.(*session.Session))
}

// tokenResponse touches sess and returns it with its stored token. An expired token is
// re-signed and stored so a client re-registering after a 401 gets a usable one.
func (h *Handler) tokenResponse(sess *session.Session) (*SessionResponse, error) {
	h.Sessions.Touch(sess.ID)
	tok := sess.Token()
	if _, err := h.Codec.Verify(tok); !errors.Is(err, token.ErrExpired) {
		return sessionResponse(sess, tok), nil
	}
	fresh, err := h.Codec.Sign(token.Claims{
		SessionID: sess.ID,
		APIKey:    sess.APIKey,
		StreamKey: sess.StreamKey,
		Domain:    sess.Domain,
	})
	if err != nil {
		return nil, internal.NewHandlerError(http.StatusInternalServerError, "failed to sign token: %s", err)
	}
	logger.Debug().Str("s", sess.ID).Msg("re-signed expired session token")
	return sessionResponse(sess, sess.ReplaceToken(tok, fresh)), nil
}

func (h *Handler) createSession(ctx context.Context, req RegisterRequest, id string) (*session.Session, error) {
	if sess := h.Sessions.Get(id); sess != nil {
		h.Sessions.Touch(id)
		return sess, nil
	}
	sender := h.NewSender(req.StreamKey, req.Sequence)
	if err := sender.Start(); err != nil {
		return nil, senderError(err)
	}

	// best effort, a failed sync leaves the offset at zero
	var offset int64
	res, err := h.runSync(ctx, sender, 0)
	if err != nil {
		logger.Debug().Err(err).Str("s", id).Msg("initial sync failed")
	} else {
		offset = res.OffsetMs
	}

	tok, err := h.Codec.Sign(token.Claims{
		SessionID: id,
		APIKey:    req.APIKey,
		StreamKey: req.StreamKey,
		Domain:    req.Domain,
	})
	if err != nil {
		_ = sender.End()
		return nil, internal.NewHandlerError(http.StatusInternalServerError, "failed to sign token: %s", err)
	}
	sess, created := h.Sessions.Create(session.Fields{
		APIKey:     req.APIKey,
		StreamKey:  req.StreamKey,
		Domain:     req.Domain,
		Token:      tok,
		Sequence:   sender.Sequence(),
		SyncOffset: offset,
		Sender:     sender,
	})
	if !created {
		_ = sender.End()
		return sess, nil
	}
	logger.Info().Str("s", id).Str("domain", req.Domain).Int64("offset_ms", offset).Msg("session registered")
	return sess, nil
}

// runSync estimates the clock offset through sender using the configured sync mode.
func (h *Handler) runSync(ctx context.Context, sender session.Sender, previous int64) (clocksync.Result, error) {
	ctx, span := internal.StartSpan(ctx, "relay.sync")
	defer span.End()
	beat := func(ctx context.Context) (int, string, error) {
		start := h.Clock.Now()
		res, err := sender.Heartbeat(ctx)
		h.metrics.observeUpstream("heartbeat", h.Clock.Now().Sub(start))
		return res.StatusCode, res.ServerTimestamp, err
	}
	var (
		res clocksync.Result
		err error
	)
	if h.SyncMode == "rtt" {
		res, err = clocksync.SyncHalfRTT(ctx, h.Clock, beat)
	} else {
		res, err = clocksync.Sync(ctx, h.Clock, beat, previous)
	}
	if err != nil {
		span.Fail(err)
	}
	return res, err
}

type StatusResponse struct {
	Sequence   int   `json:"sequence"`
	SyncOffset int64 `json:"syncOffset"`
}

func (h *Handler) lookup(claims *token.Claims) (*session.Session, error) {
	internal.Assert("claims are set", claims != nil)
	if claims == nil {
		return nil, internal.Unauthorized("Authorization header required")
	}
	sess := h.Sessions.Get(claims.SessionID)
	if sess == nil {
		return nil, internal.NotFound("Session not found")
	}
	return sess, nil
}

// Status reports the session's sequence and offset.
func (h *Handler) Status(ctx context.Context, claims *token.Claims) (*StatusResponse, error) {
	sess, err := h.lookup(claims)
	if err != nil {
		return nil, err
	}
	h.Sessions.Touch(sess.ID)
	return &StatusResponse{
		Sequence:   sess.Sequence(),
		SyncOffset: sess.SyncOffset(),
	}, nil
}

type TeardownResponse struct {
	Removed   bool   `json:"removed"`
	SessionID string `json:"sessionId"`
}

// EndSession removes the session and ends its sender.
func (h *Handler) EndSession(ctx context.Context, claims *token.Claims) (*TeardownResponse, error) {
	internal.Assert("claims are set", claims != nil)
	if claims == nil {
		return nil, internal.Unauthorized("Authorization header required")
	}
	// removing first means no new sends can start on this session
	sess := h.Sessions.Remove(claims.SessionID)
	if sess == nil {
		return nil, internal.NotFound("Session not found")
	}
	if err := sess.Terminate(); err != nil {
		logger.Debug().Err(err).Str("s", sess.ID).Msg("ending sender failed")
	}
	logger.Info().Str("s", sess.ID).Msg("session removed")
	return &TeardownResponse{Removed: true, SessionID: sess.ID}, nil
}

type captionInput struct {
	text string
	ts   time.Time
}

// parseCaptions reads the POST /captions body. Each caption may carry an absolute timestamp
// (ISO string or number) or a relative time in milliseconds since the session started.
// Relative times are returned unresolved in rel with relSet true.
func parseCaptions(body []byte, now time.Time) ([]captionInput, []float64, []bool, error) {
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return nil, nil, nil, internal.BadRequest("request body is not valid JSON")
	}
	captions := gjson.GetBytes(body, "captions")
	if !captions.IsArray() || len(captions.Array()) == 0 {
		return nil, nil, nil, internal.BadRequest("captions must be a non-empty array")
	}
	items := captions.Array()
	out := make([]captionInput, len(items))
	rel := make([]float64, len(items))
	relSet := make([]bool, len(items))
	for i, c := range items {
		if !c.IsObject() {
			return nil, nil, nil, internal.BadRequest("captions[%d] must be an object", i)
		}
		out[i].text = c.Get("text").String()
		ts := c.Get("timestamp")
		switch ts.Type {
		case gjson.String:
			if ts.Str == "" {
				break
			}
			t, err := youtube.ParseTimestamp(ts.Str)
			if err != nil {
				return nil, nil, nil, internal.BadRequest("captions[%d].timestamp: %s", i, err)
			}
			out[i].ts = t
			continue
		case gjson.Number:
			t, err := youtube.TimeFromNumber(now, ts.Float())
			if err != nil {
				return nil, nil, nil, internal.BadRequest("captions[%d].%s", i, err)
			}
			out[i].ts = t
			continue
		case gjson.Null:
		default:
			return nil, nil, nil, internal.BadRequest("captions[%d].timestamp must be a string or number", i)
		}
		if relTime := c.Get("time"); relTime.Exists() && relTime.Type != gjson.Null {
			if relTime.Type != gjson.Number {
				return nil, nil, nil, internal.BadRequest("captions[%d].time must be a number", i)
			}
			rel[i] = relTime.Float()
			relSet[i] = true
		}
	}
	return out, rel, relSet, nil
}

// ResolveRelativeTime converts a caption time in milliseconds since the session started to
// an absolute time, corrected by the session's sync offset.
func ResolveRelativeTime(startedAt time.Time, relMs float64, syncOffsetMs int64) time.Time {
	absMs := float64(startedAt.UnixMilli()) + relMs + float64(syncOffsetMs)
	whole, frac := math.Modf(absMs)
	return time.UnixMilli(int64(whole)).Add(time.Duration(frac * float64(time.Millisecond))).UTC()
}

type CaptionsResponse struct {
	Sequence        int     `json:"sequence"`
	Timestamp       *string `json:"timestamp,omitempty"`
	Count           *int    `json:"count,omitempty"`
	StatusCode      int     `json:"statusCode"`
	ServerTimestamp *string `json:"serverTimestamp"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Captions forwards one or more captions through the session's sender. A single caption is
// sent with Send and reports its timestamp, several are sent as one batch and report the count.
func (h *Handler) Captions(ctx context.Context, claims *token.Claims, body []byte) (*CaptionsResponse, error) {
	inputs, rel, relSet, herr := parseCaptions(body, h.Clock.Now())
	if herr != nil {
		return nil, herr
	}
	sess, err := h.lookup(claims)
	if err != nil {
		return nil, err
	}
	offset := sess.SyncOffset()
	batch := make([]youtube.Caption, len(inputs))
	for i := range inputs {
		if relSet[i] {
			inputs[i].ts = ResolveRelativeTime(sess.StartedAt, rel[i], offset)
		}
		batch[i] = youtube.Caption{Text: inputs[i].text, Time: inputs[i].ts}
	}

	ctx, span := internal.StartSpan(ctx, "relay.captions")
	defer span.End()
	var res youtube.SendResult
	err = sess.WithSender(func(sender session.Sender) error {
		start := h.Clock.Now()
		var sendErr error
		if len(batch) == 1 {
			res, sendErr = sender.Send(ctx, batch[0].Text, batch[0].Time)
		} else {
			res, sendErr = sender.SendBatch(ctx, batch)
		}
		h.metrics.observeUpstream("captions", h.Clock.Now().Sub(start))
		sess.SetSequence(sender.Sequence())
		return sendErr
	})
	if errors.Is(err, session.ErrAlreadyEnded) {
		return nil, internal.NotFound("Session not found")
	}
	// a failed send is still activity
	h.Sessions.Touch(sess.ID)
	internal.SetRequestContextSendInfo(ctx, int64(res.Sequence), len(batch), res.StatusCode)
	if err != nil {
		span.Fail(err)
		h.metrics.countCaptions("error", len(batch))
		return nil, senderErrorCtx(ctx, err)
	}
	if !res.OK() {
		h.metrics.countCaptions("rejected", len(batch))
		return nil, (&internal.HandlerError{
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("YouTube returned status %d", res.StatusCode),
		}).With("statusCode", res.StatusCode).With("sequence", res.Sequence)
	}
	h.metrics.countCaptions("ok", len(batch))
	out := &CaptionsResponse{
		Sequence:        res.Sequence,
		StatusCode:      res.StatusCode,
		ServerTimestamp: nullable(res.ServerTimestamp),
	}
	if len(batch) == 1 {
		ts := res.Timestamp
		out.Timestamp = &ts
	} else {
		count := res.Count
		out.Count = &count
	}
	return out, nil
}

type SyncResponse struct {
	SyncOffset      int64   `json:"syncOffset"`
	RoundTripTime   int64   `json:"roundTripTime"`
	ServerTimestamp *string `json:"serverTimestamp"`
	StatusCode      int     `json:"statusCode"`
}

// Sync re-estimates the session's clock offset with a heartbeat.
func (h *Handler) Sync(ctx context.Context, claims *token.Claims) (*SyncResponse, error) {
	sess, err := h.lookup(claims)
	if err != nil {
		return nil, err
	}
	var res clocksync.Result
	err = sess.WithSender(func(sender session.Sender) error {
		var syncErr error
		res, syncErr = h.runSync(ctx, sender, sess.SyncOffset())
		return syncErr
	})
	if errors.Is(err, session.ErrAlreadyEnded) {
		return nil, internal.NotFound("Session not found")
	}
	if err != nil {
		return nil, senderErrorCtx(ctx, fmt.Errorf("Sync failed: %w", err))
	}
	sess.SetSyncOffset(res.OffsetMs)
	h.Sessions.Touch(sess.ID)
	return &SyncResponse{
		SyncOffset:      res.OffsetMs,
		RoundTripTime:   res.RoundTripMs,
		ServerTimestamp: nullable(res.ServerTimestamp),
		StatusCode:      res.StatusCode,
	}, nil
}

type HealthResponse struct {
	OK             bool  `json:"ok"`
	Uptime         int64 `json:"uptime"`
	ActiveSessions int   `json:"activeSessions"`
}

func (h *Handler) Health() *HealthResponse {
	return &HealthResponse{
		OK:             true,
		Uptime:         int64(h.Clock.Since(h.startedAt) / time.Second),
		ActiveSessions: h.Sessions.Size(),
	}
}

func senderError(err error) *internal.HandlerError {
	return senderErrorCtx(context.Background(), err)
}

// senderErrorCtx maps an upstream client error to a response. Caller mistakes are 400,
// everything else is a 502.
func senderErrorCtx(ctx context.Context, err error) *internal.HandlerError {
	var verr *youtube.ValidationError
	if errors.As(err, &verr) {
		return internal.BadRequest("%s", verr.Error())
	}
	internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Failed to send captions"
	}
	return internal.UpstreamFailure(errors.New(msg))
}
