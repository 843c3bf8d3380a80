package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dalbodeule/hop-edge/internal/logging"
	"github.com/dalbodeule/hop-edge/internal/observability"
)

// Handler 는 /api/v1/admin 관리 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Service     EdgeService
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, svc EdgeService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Service:     svc,
	}
}

// RegisterRoutes 는 전달받은 mux 에 관리 API 라우트를 등록합니다.
//   - POST /api/v1/admin/certs/reload
//   - GET  /api/v1/admin/certs/status
//   - GET  /api/v1/admin/limits/status?identity=IP
//   - GET  /metrics (인증 없음)
//   - GET  /healthz (인증 없음)
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/certs/reload", h.authMiddleware(http.HandlerFunc(h.handleCertReload)))
	mux.Handle("/api/v1/admin/certs/status", h.authMiddleware(http.HandlerFunc(h.handleCertStatus)))
	mux.Handle("/api/v1/admin/limits/status", h.authMiddleware(http.HandlerFunc(h.handleLimitStatus)))
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", h.handleHealthz)
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminAPIKey)) == 1
}

type certStatusResponse struct {
	Success     bool               `json:"success"`
	Certificate *CertificateStatus `json:"certificate,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type limitStatusResponse struct {
	Success bool            `json:"success"`
	Status  *IdentityStatus `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *Handler) handleCertReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}

	st, err := h.Service.ReloadCertificate(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrReloadUnavailable) {
			status = http.StatusConflict
		}
		h.Logger.Error("certificate reload via admin api failed", logging.Fields{
			"error": err.Error(),
		})
		h.writeJSON(w, status, certStatusResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	h.Logger.Info("certificate reloaded via admin api", logging.Fields{
		"subject":   st.Subject,
		"not_after": st.NotAfter,
	})
	h.writeJSON(w, http.StatusOK, certStatusResponse{
		Success:     true,
		Certificate: st,
	})
}

func (h *Handler) handleCertStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}

	st, err := h.Service.CertificateStatus(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoCertificate) {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, certStatusResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, certStatusResponse{
		Success:     true,
		Certificate: st,
	})
}

func (h *Handler) handleLimitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}

	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		h.writeJSON(w, http.StatusBadRequest, limitStatusResponse{
			Success: false,
			Error:   "identity is required",
		})
		return
	}

	st, err := h.Service.IdentityStatus(r.Context(), identity)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidIdentity) {
			status = http.StatusBadRequest
		} else {
			h.Logger.Error("failed to get identity status", logging.Fields{
				"identity": identity,
				"error":    err.Error(),
			})
		}
		h.writeJSON(w, status, limitStatusResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, limitStatusResponse{
		Success: true,
		Status:  st,
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Service.CertificateStatus(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
