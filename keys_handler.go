package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lcyt/lcyt-relay/internal"
	"github.com/lcyt/lcyt-relay/keys"
	"github.com/tidwall/gjson"
)

type keyJSON struct {
	Key       string  `json:"key"`
	Owner     string  `json:"owner"`
	Active    bool    `json:"active"`
	Expires   *string `json:"expires"`
	CreatedAt string  `json:"createdAt"`
}

func formatKey(rec *keys.Record) keyJSON {
	k := keyJSON{
		Key:       rec.Key,
		Owner:     rec.Owner,
		Active:    rec.Active,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.ExpiresAt != nil {
		e := rec.ExpiresAt.UTC().Format(time.RFC3339)
		k.Expires = &e
	}
	return k
}

// parseExpiryField reads an optional expiry. Falsy values (null, "", false) mean no expiry.
func parseExpiryField(v gjson.Result) (*time.Time, error) {
	if !v.Exists() || v.Type == gjson.Null || v.Type == gjson.False || (v.Type == gjson.String && v.Str == "") {
		return nil, nil
	}
	if v.Type != gjson.String {
		return nil, internal.BadRequest("expires must be an ISO 8601 date string")
	}
	t, err := keys.ParseExpiry(v.Str)
	if err != nil {
		return nil, internal.BadRequest("expires must be an ISO 8601 date string")
	}
	return &t, nil
}

func readJSONBody(req *http.Request) (gjson.Result, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return gjson.Result{}, bodyReadError(err)
	}
	if len(body) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, internal.BadRequest("request body is not valid JSON")
	}
	return gjson.ParseBytes(body), nil
}

func (h *Handler) storeFailure(req *http.Request, err error) error {
	internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
	return internal.NewHandlerError(http.StatusInternalServerError, "key store error: %s", err)
}

func (h *Handler) listKeys(w http.ResponseWriter, req *http.Request) error {
	records, err := h.Keys.GetAll(req.Context())
	if err != nil {
		return h.storeFailure(req, err)
	}
	out := struct {
		Keys []keyJSON `json:"keys"`
	}{Keys: make([]keyJSON, len(records))}
	for i := range records {
		out.Keys[i] = formatKey(&records[i])
	}
	return writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createKey(w http.ResponseWriter, req *http.Request) error {
	body, err := readJSONBody(req)
	if err != nil {
		return err
	}
	owner := body.Get("owner")
	if owner.Type != gjson.String || owner.Str == "" {
		return internal.BadRequest("owner is required")
	}
	key := body.Get("key")
	if key.Exists() && key.Type != gjson.Null && key.Type != gjson.String {
		return internal.BadRequest("key must be a string")
	}
	expiresAt, err := parseExpiryField(body.Get("expires"))
	if err != nil {
		return err
	}
	rec, err := h.Keys.Create(req.Context(), owner.Str, key.Str, expiresAt)
	if errors.Is(err, keys.ErrExists) {
		return internal.NewHandlerError(http.StatusConflict, "API key already exists")
	}
	if err != nil {
		return h.storeFailure(req, err)
	}
	logger.Info().Str("owner", rec.Owner).Msg("api key created")
	return writeJSON(w, http.StatusCreated, formatKey(rec))
}

func (h *Handler) getKey(w http.ResponseWriter, req *http.Request) error {
	rec, err := h.Keys.Get(req.Context(), mux.Vars(req)["key"])
	if errors.Is(err, keys.ErrNotFound) {
		return internal.NotFound("API key not found")
	}
	if err != nil {
		return h.storeFailure(req, err)
	}
	return writeJSON(w, http.StatusOK, formatKey(rec))
}

func (h *Handler) updateKey(w http.ResponseWriter, req *http.Request) error {
	key := mux.Vars(req)["key"]
	body, err := readJSONBody(req)
	if err != nil {
		return err
	}
	var upd keys.Update
	if owner := body.Get("owner"); owner.Exists() {
		if owner.Type != gjson.String || owner.Str == "" {
			return internal.BadRequest("owner must be a non-empty string")
		}
		upd.Owner = &owner.Str
	}
	if expires := body.Get("expires"); expires.Exists() {
		upd.SetExpiry = true
		if upd.ExpiresAt, err = parseExpiryField(expires); err != nil {
			return err
		}
	}
	found, err := h.Keys.Update(req.Context(), key, upd)
	if err != nil {
		return h.storeFailure(req, err)
	}
	if !found {
		return internal.NotFound("API key not found")
	}
	return h.getKey(w, req)
}

func (h *Handler) deleteKey(w http.ResponseWriter, req *http.Request) error {
	key := mux.Vars(req)["key"]
	if req.URL.Query().Get("permanent") == "true" {
		found, err := h.Keys.Delete(req.Context(), key)
		if err != nil {
			return h.storeFailure(req, err)
		}
		if !found {
			return internal.NotFound("API key not found")
		}
		logger.Info().Msg("api key deleted")
		return writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "deleted": true})
	}
	found, err := h.Keys.Revoke(req.Context(), key)
	if err != nil {
		return h.storeFailure(req, err)
	}
	if !found {
		return internal.NotFound("API key not found")
	}
	logger.Info().Msg("api key revoked")
	return writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "revoked": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return internal.NewHandlerError(http.StatusInternalServerError, "failed to marshal response: %s", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	// the status line has gone, nothing more can be reported to the client
	if err != nil {
		logger.Debug().Err(err).Msg("failed to write response")
	}
	return nil
}
