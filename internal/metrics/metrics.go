package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Current number of live websocket connections across all spaces",
	})
	WsFramesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_frames_total",
		Help: "Total number of inbound websocket frames rebroadcast to a space",
	})
	WsHandshakeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ws_handshake_rejected_total",
		Help: "Websocket handshakes closed with a policy violation",
	}, []string{"reason"})
	WsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_rate_limited_total",
		Help: "Websocket connections closed for exceeding the inbound frame rate",
	})
	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_deliveries_total",
		Help: "Payloads enqueued to live connections by broadcast",
	})
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_dropped_total",
		Help: "Connections dropped because a broadcast send failed",
	})
	MessagesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Message lifecycle events persisted by the relay",
	}, []string{"event"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsFramesRelayed, WsHandshakeRejected, WsRateLimited,
		BroadcastDeliveries, BroadcastDropped, MessagesStored,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。路径使用路由模板，避免 id 造成标签爆炸。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
