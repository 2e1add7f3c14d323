package pool

import "github.com/storefront/dbpool/lib/metrics"

// Pool utilization metrics
var (
	// PoolConnectionsTotal is the maximum pool size.
	PoolConnectionsTotal = metrics.NewGauge(
		"storefront_pool_connections_max",
		"Maximum number of connections in the pool",
	)
	// PoolConnectionsOpen is the current number of open connections.
	PoolConnectionsOpen = metrics.NewGauge(
		"storefront_pool_connections_open",
		"Current number of open connections",
	)
	// PoolConnectionsAvailable is the current number of available connections.
	PoolConnectionsAvailable = metrics.NewGauge(
		"storefront_pool_connections_available",
		"Current number of connections available for reuse",
	)
	// PoolConnectionsInUse is the number of connections currently leased.
	PoolConnectionsInUse = metrics.NewGauge(
		"storefront_pool_connections_in_use",
		"Number of connections currently leased",
	)
	// PoolWaiting is the number of blocked acquire calls.
	PoolWaiting = metrics.NewGauge(
		"storefront_pool_waiting",
		"Number of acquire calls waiting for a connection",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"storefront_pool_acquire_total",
		"Total number of connection acquire attempts",
	)
	// PoolAcquireSuccessTotal is the number of successful acquires.
	PoolAcquireSuccessTotal = metrics.NewCounter(
		"storefront_pool_acquire_success_total",
		"Total number of successful connection acquires",
	)
	// PoolAcquireFailedTotal is the number of failed acquires.
	PoolAcquireFailedTotal = metrics.NewCounter(
		"storefront_pool_acquire_failed_total",
		"Total number of failed connection acquires",
	)
	// PoolReleaseTotal is the number of releases.
	PoolReleaseTotal = metrics.NewCounter(
		"storefront_pool_release_total",
		"Total number of connection releases",
	)
	// PoolMisuseTotal counts foreign and repeated releases.
	PoolMisuseTotal = metrics.NewCounter(
		"storefront_pool_misuse_total",
		"Total number of releases of foreign or already returned handles",
	)
	// PoolLeaksTotal counts leases reported as held too long.
	PoolLeaksTotal = metrics.NewCounter(
		"storefront_pool_leaks_total",
		"Total number of leases held longer than the leak threshold",
	)
	// PoolAcquireLatency tracks time spent acquiring connections.
	PoolAcquireLatency = metrics.NewHistogram(
		"storefront_pool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolConnectionsTotal.Set(int64(stats.MaxSize))
	PoolConnectionsOpen.Set(int64(stats.NumOpen))
	PoolConnectionsAvailable.Set(int64(stats.NumAvailable))
	PoolConnectionsInUse.Set(int64(stats.NumInUse))
	PoolWaiting.Set(int64(stats.Waiting))
}
