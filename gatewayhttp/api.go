package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/shv-http-gateway/internal/logctx"
	"github.com/ggoodman/shv-http-gateway/sessions"
	"github.com/ggoodman/shv-http-gateway/shvrpc"
)

type loginRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
}

type rpcRequest struct {
	Path   *string      `json:"path"`
	Method *string      `json:"method"`
	Param  shvrpc.Value `json:"param"`
}

type subscribeRequest struct {
	ShvRI *string `json:"shv_ri"`
}

// decodeJSON decodes a size limited JSON body into dst and writes the error
// response itself when that fails.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.jsonLimit))
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		} else {
			writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		}
		h.log.InfoContext(r.Context(), "json.decode.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Username == nil || req.Password == nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "missing field `username` or `password`")
		h.log.InfoContext(ctx, "login.request.invalid")
		return
	}

	id, err := h.mgr.Login(ctx, *req.Username, *req.Password)
	if err != nil {
		if ctx.Err() != nil {
			h.log.InfoContext(ctx, "login.abandoned")
			return
		}
		status, detail := loginStatus(err)
		writeJSONError(w, status, detail)
		h.log.InfoContext(ctx, "http.login.fail", slog.Int("status", status), slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(loginResponse{SessionID: id})
	h.log.InfoContext(ctx, "http.login.ok", slog.String("user", *req.Username), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	sess.Logout(r.Context())
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Expected Content-Type: application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.jsonLimit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		h.log.WarnContext(ctx, "rpc.body.read.fail", slog.String("err", err.Error()))
		return
	}
	body, err := shvrpc.ParseValue(data)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Cannot parse JSON to RpcValue: %v", err))
		h.log.InfoContext(ctx, "rpc.body.parse.fail", slog.String("err", err.Error()))
		return
	}
	var req rpcRequest
	if err := body.Decode(&req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Cannot convert RpcValue to the target type: %v", err))
		h.log.InfoContext(ctx, "rpc.body.convert.fail", slog.String("err", err.Error()))
		return
	}
	if req.Path == nil || req.Method == nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "Cannot convert RpcValue to the target type: missing field `path` or `method`")
		h.log.InfoContext(ctx, "rpc.body.convert.fail")
		return
	}
	param := req.Param
	if param.IsNull() {
		param = nil
	}

	ctx = logctx.WithCallData(ctx, &logctx.CallData{Path: *req.Path, Method: *req.Method})
	res, err := sess.Call(ctx, *req.Path, *req.Method, param)
	if err != nil {
		writeCallError(w, err)
		h.log.WarnContext(ctx, "rpc.call.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.String())
	h.log.DebugContext(ctx, "rpc.call.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request, sess *sessions.Session) {
	start := time.Now()
	ctx := r.Context()

	var req subscribeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ShvRI == nil {
		writeJSONError(w, http.StatusUnprocessableEntity, "missing field `shv_ri`")
		h.log.InfoContext(ctx, "subscribe.request.invalid")
		return
	}
	ri, err := shvrpc.ParseRI(*req.ShvRI)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		h.log.InfoContext(ctx, "subscribe.ri.invalid", slog.String("err", err.Error()))
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "Expected Accept: text/event-stream")
		h.log.WarnContext(ctx, "subscribe.unacceptable_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sub, err := sess.Subscribe(ctx, ri)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		h.log.WarnContext(ctx, "subscribe.fail", slog.String("ri", ri.String()), slog.String("err", err.Error()))
		return
	}
	// Runs on every exit path, including client cancellation.
	defer sub.Close()

	sse := newSSEWriter(ctx, w, f)
	sse.open()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("ri", ri.String()))

	streamCtx, cancel := context.WithCancel(ctx)
	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		h.keepAlive(streamCtx, sse)
	}()
	// The keep-alive writer must be gone before the handler returns.
	defer func() {
		cancel()
		<-kaDone
	}()

	delivered := 0
	for {
		n, err := sub.Next(streamCtx)
		var de *sessions.DecodeError
		switch {
		case err == nil:
			payload, err := json.Marshal(n)
			if err == nil {
				err = sse.event("", payload)
			}
			if err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			delivered++
		case errors.As(err, &de):
			h.log.WarnContext(ctx, "sse.frame.invalid", slog.String("err", de.Error()), slog.String("frame", de.Frame.String()))
			if err := sse.event("error", []byte(de.Error())); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			h.log.InfoContext(ctx, "sse.stream.end", slog.Int("delivered", delivered), slog.Duration("dur", time.Since(start)))
			return
		default:
			h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) keepAlive(ctx context.Context, sse *sseWriter) {
	if h.sseKeepAlive <= 0 {
		return
	}
	t := time.NewTicker(h.sseKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sse.comment(); err != nil {
				return
			}
		}
	}
}
