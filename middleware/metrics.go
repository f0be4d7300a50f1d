package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"echorpc/message"
)

// MetricsMiddleware counts requests by method and code, tracks in-flight
// requests and observes latency in milliseconds. The collectors are
// registered on reg, so two servers in one process need two registries.
func MetricsMiddleware(reg prometheus.Registerer, namespace string) (Middleware, error) {
	reqCntVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "RPC requests handled, by method and result code.",
	}, []string{"method", "code"})

	errCntVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_errors_total",
		Help:      "RPC requests that failed, by method.",
	}, []string{"method"})

	activeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rpc_active_requests",
		Help:      "RPC requests in flight, by method.",
	}, []string{"method"})

	summaryVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      "rpc_response_ms",
		Help:      "RPC latency in milliseconds, by method.",
		Objectives: map[float64]float64{
			0.5:  0.01,
			0.9:  0.01,
			0.99: 0.001,
		},
	}, []string{"method"})

	for _, c := range []prometheus.Collector{reqCntVec, errCntVec, activeVec, summaryVec} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			active := activeVec.WithLabelValues(req.ServiceMethod)
			active.Inc()
			start := time.Now()

			resp := next(ctx, req)

			active.Dec()
			summaryVec.WithLabelValues(req.ServiceMethod).Observe(float64(time.Since(start).Milliseconds()))
			reqCntVec.WithLabelValues(req.ServiceMethod, strconv.Itoa(int(resp.Code))).Inc()
			if resp.Failed() {
				errCntVec.WithLabelValues(req.ServiceMethod).Inc()
			}
			return resp
		}
	}, nil
}
