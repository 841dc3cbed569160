package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/observability/metrics"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/order"
)

// Server 负责暴露 REST 接口，供对话层与外部系统驱动订单服务。
type Server struct {
	addr    string
	service *order.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *order.Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orders", s.instrument("orders", s.handleOrders))
	mux.HandleFunc("/api/v1/orders/", s.instrument("order_detail", s.handleOrderDetail))
	mux.HandleFunc("/api/v1/swap-intents", s.instrument("swap_intents", s.handleSwapIntent))
	mux.HandleFunc("/api/v1/approve-intents", s.instrument("approve_intents", s.handleApproveIntent))
	mux.HandleFunc("/api/v1/tokens", s.instrument("tokens", s.handleTokens))

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleOpenOrder(w, r)
	case http.MethodGet:
		s.handleListOrders(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleOpenOrder 创建托管买单，返回入金地址与付款 URI。
func (s *Server) handleOpenOrder(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req order.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.service.Open(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}
	// 兼容 ?id= 查询形式，与路径形式 /api/v1/orders/{id} 等价。
	if id := r.URL.Query().Get("id"); id != "" {
		s.writeOrderDetail(w, r, id)
		return
	}
	orders, err := s.service.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleOrderDetail 返回单笔订单的状态；带 verify=1 时额外读取
// 收货地址的链上代币余额，供用户核验到账。
func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少订单 ID", http.StatusBadRequest)
		return
	}
	s.writeOrderDetail(w, r, id)
}

func (s *Server) writeOrderDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.URL.Query().Get("verify") == "1" {
		delivered, err := s.service.DeliveredBalance(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delivered)
		return
	}

	o, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleSwapIntent 构造自助换币意图，不托管任何资金。
func (s *Server) handleSwapIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req order.SwapIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	intent, err := s.service.BuildSwapIntent(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleApproveIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req order.ApproveIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	intent, err := s.service.BuildApproveIntent(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "订单服务未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Tokens())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把错误码映射为 HTTP 状态并返回统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound, order.CodeOrderNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, order.CodeOrderValidation:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, order.CodeOrderConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

// statusRecorder 捕获响应状态码，供请求指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status)
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
