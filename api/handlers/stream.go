package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
	"github.com/BaSui01/chorus/engine"
	"github.com/BaSui01/chorus/types"
)

// =============================================================================
// 📡 Resolve 流式接口（websocket）
// =============================================================================

// StreamHandler 处理 GET /v1/resolve/stream：
// 客户端发送一条 ResolveRequest，服务端逐个推送 engine_outcome，最后推送 result 或 error。
type StreamHandler struct {
	resolver     Resolver
	logger       *zap.Logger
	maxBodyBytes int64
	readTimeout  time.Duration
	origins      []string
}

// NewStreamHandler 创建 StreamHandler。origins 为允许的跨域来源模式，空表示只允许同源。
func NewStreamHandler(resolver Resolver, maxBodyBytes int64, origins []string, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &StreamHandler{
		resolver:     resolver,
		logger:       logger.With(zap.String("handler", "stream")),
		maxBodyBytes: maxBodyBytes,
		readTimeout:  10 * time.Second,
		origins:      origins,
	}
}

// streamWriter 串行化写操作；engine hook 会从多个 goroutine 同时调用
type streamWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *streamWriter) send(ctx context.Context, ev api.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(ctx, s.conn, ev)
}

// HandleStream 升级连接并执行一次流式 Resolve
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.maxBodyBytes)

	ctx := r.Context()
	out := &streamWriter{conn: conn}

	readCtx, cancel := context.WithTimeout(ctx, h.readTimeout)
	var body api.ResolveRequest
	err = wsjson.Read(readCtx, conn, &body)
	cancel()
	if err != nil {
		h.fail(ctx, out, types.NewError(types.ErrInvalidRequest, "invalid resolve request").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest))
		return
	}

	req, err := BuildRequest(ctx, body)
	if err != nil {
		h.fail(ctx, out, err)
		return
	}
	req.OutcomeHook = func(o engine.Outcome) {
		ev := api.StreamEvent{
			Type: api.StreamEventEngineOutcome,
			Outcome: &api.EngineOutcome{
				EngineID:  o.EngineID,
				Status:    string(o.Status),
				Text:      o.Text,
				Error:     o.ErrorMessage(),
				ElapsedMS: o.Elapsed.Milliseconds(),
			},
		}
		if err := out.send(ctx, ev); err != nil {
			h.logger.Debug("drop engine outcome", zap.String("engine", string(o.EngineID)), zap.Error(err))
		}
	}

	resp, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		h.fail(ctx, out, err)
		return
	}
	if err := out.send(ctx, api.StreamEvent{Type: api.StreamEventResult, Result: ToResolveResponse(resp)}); err != nil {
		h.logger.Warn("write stream result failed", zap.Error(err))
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (h *StreamHandler) fail(ctx context.Context, out *streamWriter, err error) {
	info := ToErrorInfo(AsTypesError(err))
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) || websocket.CloseStatus(err) != -1 {
		h.logger.Debug("stream request rejected", zap.Error(err))
	} else {
		h.logger.Warn("stream resolve failed", zap.String("code", info.Code), zap.Error(err))
	}
	if werr := out.send(ctx, api.StreamEvent{Type: api.StreamEventError, Error: info}); werr != nil {
		return
	}
	status := websocket.StatusPolicyViolation
	if info.HTTPStatus >= http.StatusInternalServerError {
		status = websocket.StatusInternalError
	}
	_ = out.conn.Close(status, info.Code)
}
