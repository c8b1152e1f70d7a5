package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "threadsync",
		Name:      "connections",
		Help:      "Current number of websocket connections",
	})

	Feeds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "threadsync",
		Name:      "feeds",
		Help:      "Threads with at least one synced client on this process",
	})

	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadsync",
		Name:      "frames_in_total",
		Help:      "Frames received from clients by message type",
	}, []string{"type"})

	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadsync",
		Name:      "rejections_total",
		Help:      "Requests rejected by the application by reason",
	}, []string{"code"})

	ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadsync",
		Name:      "protocol_violations_total",
		Help:      "Connections closed for sending invalid messages",
	})

	Desyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadsync",
		Name:      "desyncs_total",
		Help:      "Synchronisation requests answered with a desync",
	})

	LogAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadsync",
		Subsystem: "log",
		Name:      "appends_total",
		Help:      "Operations appended to thread logs",
	})

	LogCompactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadsync",
		Subsystem: "log",
		Name:      "compactions_total",
		Help:      "Thread logs compacted by upkeep",
	})

	BacklogFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "threadsync",
		Subsystem: "log",
		Name:      "backlog_fetches_total",
		Help:      "Backlog range requests by result",
	}, []string{"result"})

	ExpiredPosts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "threadsync",
		Name:      "expired_posts_total",
		Help:      "Open posts closed by upkeep",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Connections)
		prometheus.MustRegister(Feeds)
		prometheus.MustRegister(FramesIn)
		prometheus.MustRegister(Rejections)
		prometheus.MustRegister(ProtocolViolations)
		prometheus.MustRegister(Desyncs)
		prometheus.MustRegister(LogAppends)
		prometheus.MustRegister(LogCompactions)
		prometheus.MustRegister(BacklogFetches)
		prometheus.MustRegister(ExpiredPosts)
	})
}
