package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chorus/api"
	"github.com/BaSui01/chorus/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 与 ErrorInfo 直接复用 api 包的线上类型
type (
	Response  = api.Response
	ErrorInfo = api.ErrorInfo
)

// DefaultMaxBodyBytes 请求体上限（1 MB）
const DefaultMaxBodyBytes int64 = 1 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败只能放弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应。任意 error 都会被归一成 *types.Error。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	te := AsTypesError(err)
	info := ToErrorInfo(te)

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", info.Code),
			zap.String("message", info.Message),
			zap.Int("status", info.HTTPStatus),
			zap.Bool("retryable", info.Retryable),
			zap.Error(te.Cause),
		}
		if info.HTTPStatus >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Warn("API error", fields...)
		}
	}

	WriteJSON(w, info.HTTPStatus, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// AsTypesError 把任意错误转成 *types.Error；未知错误视为 INTERNAL_ERROR。
func AsTypesError(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	return types.NewError(types.ErrInternalError, "internal server error").WithCause(err)
}

// ToErrorInfo 生成线上错误结构，状态码缺省时按错误码推断。
func ToErrorInfo(te *types.Error) *ErrorInfo {
	status := te.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(te.Code)
	}
	return &ErrorInfo{
		Code:       string(te.Code),
		Message:    te.Message,
		Retryable:  te.Retryable,
		Engine:     te.Engine,
		HTTPStatus: status,
	}
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrInvalidStrategy:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden, types.ErrCacheScopeViolation:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrEngineTimeout:
		return http.StatusGatewayTimeout
	case types.ErrEngineError:
		return http.StatusBadGateway
	case types.ErrAllEnginesFailed, types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求解析
// =============================================================================

// DecodeJSONBody 严格解码 JSON 请求体（拒绝未知字段、限制大小）。
// 失败时已写出错误响应，调用方直接 return。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "request body too large"
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		}
		apiErr := types.NewError(types.ErrInvalidRequest, msg).WithCause(err).WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, r, apiErr, logger)
		return apiErr
	}
	return nil
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := types.RequestID(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Bytes      int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只记录第一次写出的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}

// Unwrap 让 http.ResponseController 与 websocket 升级能拿到底层连接
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack 透传给底层连接，websocket 升级依赖它
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	rw.Written = true
	rw.StatusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Flush 透传给底层 Flusher
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
