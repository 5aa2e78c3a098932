// config 包的 HTTP 配置查询 API。
//
// 提供脱敏配置查询、手动触发热重载与变更历史查询。
package config

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/chorus/api"
)

// ConfigAPIHandler 处理配置 API 请求
type ConfigAPIHandler struct {
	manager *HotReloadManager
}

type configData struct {
	Version int                  `json:"version"`
	Config  map[string]any       `json:"config,omitempty"`
	Fields  []HotReloadableField `json:"fields,omitempty"`
	Changes []ConfigChange       `json:"changes,omitempty"`
}

// NewConfigAPIHandler 创建配置 API 处理器
func NewConfigAPIHandler(manager *HotReloadManager) *ConfigAPIHandler {
	return &ConfigAPIHandler{manager: manager}
}

// RegisterRoutes 注册配置 API 路由
func (h *ConfigAPIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/config", h.HandleConfig)
	mux.HandleFunc("POST /v1/config/reload", h.HandleReload)
	mux.HandleFunc("GET /v1/config/changes", h.HandleChanges)
}

// HandleConfig 返回脱敏后的当前配置与可热重载字段
func (h *ConfigAPIHandler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	sanitized, err := SanitizedConfig(h.manager.GetConfig())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to render config")
		return
	}
	writeAPIJSON(w, http.StatusOK, configData{
		Version: h.manager.Version(),
		Config:  sanitized,
		Fields:  GetHotReloadableFields(),
	})
}

// HandleReload 立即从文件重载
func (h *ConfigAPIHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	changes, err := h.manager.ReloadFromFile()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	writeAPIJSON(w, http.StatusOK, configData{Version: h.manager.Version(), Changes: changes})
}

// HandleChanges 返回变更历史，?limit=N 限制条数
func (h *ConfigAPIHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeAPIJSON(w, http.StatusOK, configData{Version: h.manager.Version(), Changes: h.manager.GetChangeLog(limit)})
}

// SanitizedConfig 渲染配置为 map；密钥字段带 json:"-" 不会出现
func SanitizedConfig(cfg *Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeAPIJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.Response{
		Success:   status < 400,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.Response{
		Success:   false,
		Error:     &api.ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}
