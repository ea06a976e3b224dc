package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 响应来源标签。
const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
)

var (
	// requestsTotal 统计被拦截的请求，source 为 network、cache 或 offline。
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_requests_total",
			Help: "Total number of intercepted requests.",
		},
		[]string{"site", "category", "strategy", "source"},
	)

	networkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_network_failures_total",
			Help: "Total upstream fetch failures recovered locally.",
		},
		[]string{"site", "category"},
	)

	// cacheWrites 的 result 取值：ok、error、discarded（分区已不属于生效版本）。
	cacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_cache_writes_total",
			Help: "Total background cache writes by result.",
		},
		[]string{"site", "partition", "result"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_lifecycle_transitions_total",
			Help: "Total generation lifecycle transitions by target state.",
		},
		[]string{"site", "state"},
	)

	partitionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_partitions_evicted_total",
			Help: "Total stale partitions deleted during activation.",
		},
		[]string{"site"},
	)
)
