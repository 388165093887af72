package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is the error type returned by every request handler. The status code is sent
// as-is to the client and the error is rendered as {"error":"..."}. Extra fields are merged into
// the JSON body, e.g. the upstream status code on a failed caption send.
type HandlerError struct {
	StatusCode int
	Err        error
	Extra      map[string]interface{}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	b, _ := json.Marshal(jsonError{e.Err.Error()})
	// sort so the body is stable across requests
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		withField, err := sjson.SetBytes(b, k, e.Extra[k])
		if err != nil {
			logger.Err(err).Str("field", k).Msg("HandlerError.JSON: failed to set extra field")
			continue
		}
		b = withField
	}
	return b
}

// With returns the error with an extra JSON field set.
func (e *HandlerError) With(key string, val interface{}) *HandlerError {
	if e.Extra == nil {
		e.Extra = make(map[string]interface{})
	}
	e.Extra[key] = val
	return e
}

func NewHandlerError(statusCode int, format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: statusCode,
		Err:        fmt.Errorf(format, args...),
	}
}

func BadRequest(format string, args ...interface{}) *HandlerError {
	return NewHandlerError(http.StatusBadRequest, format, args...)
}

func Unauthorized(format string, args ...interface{}) *HandlerError {
	return NewHandlerError(http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *HandlerError {
	return NewHandlerError(http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *HandlerError {
	return NewHandlerError(http.StatusNotFound, format, args...)
}

func ServiceUnavailable(format string, args ...interface{}) *HandlerError {
	return NewHandlerError(http.StatusServiceUnavailable, format, args...)
}

// UpstreamFailure is a transport failure talking to the caption endpoint. The JSON body
// mirrors the status so clients can read it without inspecting the HTTP response.
func UpstreamFailure(err error) *HandlerError {
	return (&HandlerError{
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}).With("statusCode", http.StatusBadGateway)
}

// WriteError writes err to w. Errors which are not a *HandlerError are sent as a 500.
func WriteError(w http.ResponseWriter, err error) {
	herr, ok := err.(*HandlerError)
	if !ok {
		herr = &HandlerError{
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and LCYT_DEBUG=1 then the program panics.
// If expr is false and LCYT_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, not to report normal errors e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("sender is set", sess.sender != nil)
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("LCYT_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
