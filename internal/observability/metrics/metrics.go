// Package metrics exposes settlement and HTTP metrics in the Prometheus
// text exposition format without pulling in a client library.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type collector struct {
	mu           sync.Mutex
	ticks        uint64
	tickDuration *histogram
	outcomes     map[string]uint64
	rpcErrors    map[string]uint64
	requests     map[requestKey]uint64
}

var defaultCollector = &collector{
	tickDuration: newHistogram([]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}),
	outcomes:     make(map[string]uint64),
	rpcErrors:    make(map[string]uint64),
	requests:     make(map[requestKey]uint64),
}

// ObserveTick 记录一次结算轮询及其耗时。
func ObserveTick(duration time.Duration) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.ticks++
	defaultCollector.tickDuration.observe(duration.Seconds())
}

// ObserveOrderOutcome 记录订单处理结果（settled、refunded、deferred、failed、exhausted）。
func ObserveOrderOutcome(outcome string) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.outcomes[outcome]++
}

// ObserveRPCError 按错误码记录一次节点调用失败。
func ObserveRPCError(code string) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	defaultCollector.rpcErrors[code]++
}

// ObserveHTTPRequest 记录一次 API 请求。
func ObserveHTTPRequest(handler, method string, status int) {
	defaultCollector.mu.Lock()
	defer defaultCollector.mu.Unlock()
	key := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	defaultCollector.requests[key]++
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP lst_settlement_ticks_total Total number of settlement ticks executed.\n")
	b.WriteString("# TYPE lst_settlement_ticks_total counter\n")
	b.WriteString(fmt.Sprintf("lst_settlement_ticks_total %d\n", c.ticks))

	b.WriteString("# HELP lst_settlement_tick_duration_seconds Settlement tick duration in seconds.\n")
	b.WriteString("# TYPE lst_settlement_tick_duration_seconds histogram\n")
	for idx, bound := range c.tickDuration.buckets {
		b.WriteString(fmt.Sprintf("lst_settlement_tick_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), c.tickDuration.counts[idx]))
	}
	b.WriteString(fmt.Sprintf("lst_settlement_tick_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.tickDuration.count))
	b.WriteString(fmt.Sprintf("lst_settlement_tick_duration_seconds_sum %s\n", formatFloat(c.tickDuration.sum)))
	b.WriteString(fmt.Sprintf("lst_settlement_tick_duration_seconds_count %d\n", c.tickDuration.count))

	b.WriteString("# HELP lst_order_outcomes_total Order settlement outcomes by kind.\n")
	b.WriteString("# TYPE lst_order_outcomes_total counter\n")
	for _, outcome := range sortedKeys(c.outcomes) {
		b.WriteString(fmt.Sprintf("lst_order_outcomes_total{outcome=\"%s\"} %d\n", escape(outcome), c.outcomes[outcome]))
	}

	b.WriteString("# HELP lst_rpc_errors_total Node RPC failures by error code.\n")
	b.WriteString("# TYPE lst_rpc_errors_total counter\n")
	for _, code := range sortedKeys(c.rpcErrors) {
		b.WriteString(fmt.Sprintf("lst_rpc_errors_total{code=\"%s\"} %d\n", escape(code), c.rpcErrors[code]))
	}

	b.WriteString("# HELP lst_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE lst_http_requests_total counter\n")
	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	for _, key := range reqs {
		b.WriteString(fmt.Sprintf("lst_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
