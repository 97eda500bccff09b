package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments backing the /metrics surface's minimum
// series: task outcome counts, per-worker heartbeat
// staleness, queue depth by state, disk headroom, and rate-limit
// availability. The Prometheus text encoder in telemetry reads these same
// instruments through the SDK's metric reader rather than duplicating
// state.
type Metrics struct {
	TaskRunsTotal          metric.Int64Counter
	WorkerHeartbeatAge     metric.Float64ObservableGauge
	QueueTasksTotal        metric.Int64ObservableGauge
	SystemDiskFreeBytes    metric.Int64ObservableGauge
	RateLimitAvailable     metric.Int64ObservableGauge
}

// NewMetrics creates all metric instruments from the given meter. The three
// observable gauges are registered without callbacks here; callers attach
// their own callback via meter.RegisterCallback once the Store/Arbiter
// instances they read from are available, keeping this package free of a
// dependency on internal/store.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskRunsTotal, err = meter.Int64Counter("task_runs_total",
		metric.WithDescription("Completed task attempts by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerHeartbeatAge, err = meter.Float64ObservableGauge("worker_heartbeat_age_seconds",
		metric.WithDescription("Seconds since each worker's last heartbeat"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueTasksTotal, err = meter.Int64ObservableGauge("queue_tasks_total",
		metric.WithDescription("Task count by queue state"),
	)
	if err != nil {
		return nil, err
	}

	m.SystemDiskFreeBytes, err = meter.Int64ObservableGauge("system_disk_free_bytes",
		metric.WithDescription("Free bytes on the task workspace filesystem"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitAvailable, err = meter.Int64ObservableGauge("rate_limit_available",
		metric.WithDescription("1 if the rate-limit arbiter is currently available, 0 otherwise"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
