// Package logctx carries request scoped log attributes through a context and
// adds them to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
	"net/http"
)

// ctxKey names both the context slot and the log group it renders as.
type ctxKey struct{ group string }

var (
	requestKey = ctxKey{"req"}
	sessionKey = ctxKey{"sess"}
	callKey    = ctxKey{"shv"}

	// Groups are emitted in this order.
	groupKeys = []ctxKey{requestKey, sessionKey, callKey}
)

// Handler decorates records with the request, session and call data carried
// by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range groupKeys {
		if v, ok := ctx.Value(k).(slog.LogValuer); ok {
			r.AddAttrs(slog.Any(k.group, v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Abbrev shortens a session token so logs never carry a usable credential.
func Abbrev(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}

// RequestData describes the HTTP request being served.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

// FromRequest captures the loggable parts of r under the given id.
func FromRequest(id string, r *http.Request) *RequestData {
	return &RequestData{
		RequestID:  id,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}
}

func (d *RequestData) LogValue() slog.Value {
	if d == nil {
		return slog.GroupValue()
	}
	return slog.GroupValue(
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("user_agent", d.UserAgent),
		slog.String("remote_addr", d.RemoteAddr),
		slog.String("path", d.Path),
	)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestKey, data)
}

// SessionData identifies the gateway session. Only an abbreviation of the id
// is logged.
type SessionData struct {
	SessionID string
	Username  string
}

func (d *SessionData) LogValue() slog.Value {
	if d == nil {
		return slog.GroupValue()
	}
	return slog.GroupValue(
		slog.String("id", Abbrev(d.SessionID)),
		slog.String("user", d.Username),
	)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionKey, data)
}

// CallData names the SHV node and method an RPC call targets.
type CallData struct {
	Path   string
	Method string
}

func (d *CallData) LogValue() slog.Value {
	if d == nil {
		return slog.GroupValue()
	}
	return slog.GroupValue(
		slog.String("path", d.Path),
		slog.String("method", d.Method),
	)
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callKey, data)
}
