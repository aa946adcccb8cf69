package gatewayhttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/shv-http-gateway/internal/logctx"
	"github.com/ggoodman/shv-http-gateway/internal/metrics"
	"github.com/ggoodman/shv-http-gateway/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader = "Authorization"

	// defaultJSONLimit bounds JSON request bodies.
	defaultJSONLimit = 1 << 20
	// maxSessionIDLen bounds the Authorization values worth looking up.
	maxSessionIDLen = 128
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	staticDir    string
	jsonLimit    int64
	sseKeepAlive time.Duration
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMetrics serves the collectors on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithStaticDir serves the files of dir below /webspy/.
func WithStaticDir(dir string) Option {
	return func(c *newConfig) { c.staticDir = strings.TrimSpace(dir) }
}

// WithJSONLimit overrides the maximum size of JSON request bodies.
func WithJSONLimit(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.jsonLimit = n
		}
	}
}

// WithSSEKeepAlive sets the interval of keep-alive comments on event
// streams. Zero disables them.
func WithSSEKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.sseKeepAlive = d }
}

// Handler exposes a sessions.Manager over HTTP.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	mgr          *sessions.Manager
	jsonLimit    int64
	sseKeepAlive time.Duration
}

// New constructs a Handler serving mgr.
func New(mgr *sessions.Manager, opts ...Option) (*Handler, error) {
	if mgr == nil {
		return nil, errors.New("session manager is required")
	}
	cfg := &newConfig{
		logger:       slog.Default(),
		jsonLimit:    defaultJSONLimit,
		sseKeepAlive: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		mgr:          mgr,
		jsonLimit:    cfg.jsonLimit,
		sseKeepAlive: cfg.sseKeepAlive,
	}

	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"/api/login":     h.handleLogin,
		"/api/logout":    h.withSession(h.handleLogout),
		"/api/rpc":       h.withSession(h.handleRPC),
		"/api/subscribe": h.withSession(h.handleSubscribe),
	}
	for path, fn := range routes {
		mux.HandleFunc("POST "+path, fn)
		mux.HandleFunc(path, methodNotAllowed("POST"))
	}
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics.Handler())
	}
	if cfg.staticDir != "" {
		mux.Handle("GET /webspy/", http.StripPrefix("/webspy/", http.FileServer(http.Dir(cfg.staticDir))))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})
	h.mux = mux
	return h, nil
}

func methodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow+", OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Add("Vary", "Origin")

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := logctx.WithRequestData(r.Context(), logctx.FromRequest(uuid.NewString(), r))
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

type sessionHandlerFunc func(w http.ResponseWriter, r *http.Request, sess *sessions.Session)

// withSession resolves the session named by the Authorization header.
func (h *Handler) withSession(next sessionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get(authorizationHeader)
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "Missing Authorization header")
			h.log.InfoContext(ctx, "session.id.missing")
			return
		}
		var sess *sessions.Session
		if len(id) <= maxSessionIDLen {
			sess, _ = h.mgr.Lookup(id)
		}
		if sess == nil {
			writeJSONError(w, http.StatusUnauthorized, "Invalid session token")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Username: sess.Username()})
		next(w, r.WithContext(ctx), sess)
	}
}
