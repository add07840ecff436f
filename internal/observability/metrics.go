package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SchedulerTasksAdmitted counts scheduled deliveries created by admission.
	SchedulerTasksAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_admitted_total",
			Help: "Total number of scheduled task deliveries admitted",
		},
	)
	// SchedulerTasksPostponed counts dispatch attempts blocked on resources.
	SchedulerTasksPostponed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_postponed_total",
			Help: "Total number of dispatch attempts postponed by resource contention",
		},
	)
	// SchedulerTasksFailed counts handler failures by action.
	SchedulerTasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_failed_total",
			Help: "Total number of task handler failures",
		},
		[]string{"action"},
	)
	// SchedulerPendingTasks is a gauge of group tasks not yet terminal.
	SchedulerPendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_pending_tasks",
			Help: "Number of group tasks admitted but not yet terminal",
		},
	)
	// HandlerDuration records handler invocation durations by action.
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_handler_duration_seconds",
			Help:    "Task handler invocation duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"action"},
	)

	// FollowUpEnqueuedTotal counts follow-up tasks persisted to the durable queue.
	FollowUpEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "follow_up_enqueued_total",
			Help: "Total number of follow-up tasks enqueued",
		},
	)
	// FollowUpLeasedTotal counts follow-up rows leased for dispatch.
	FollowUpLeasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "follow_up_leased_total",
			Help: "Total number of follow-up rows leased",
		},
	)
	// FollowUpPendingRows is a gauge of durable follow-up rows.
	FollowUpPendingRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "follow_up_pending_rows",
			Help: "Number of rows in the follow-up table",
		},
	)

	// QueueMessagesConsumed counts INFO messages handled successfully by driver.
	QueueMessagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Total number of queue messages handled and acknowledged",
		},
		[]string{"driver"},
	)
	// QueueMessagesFailed counts messages whose handler failed by driver.
	QueueMessagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_failed_total",
			Help: "Total number of queue messages left for redelivery",
		},
		[]string{"driver"},
	)
	// QueueReceiveRetries counts transient receive failures by driver.
	QueueReceiveRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_receive_retries_total",
			Help: "Total number of retried queue receive attempts",
		},
		[]string{"driver"},
	)

	// ReportRequestsTotal counts report queries by report code.
	ReportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_requests_total",
			Help: "Total number of report queries served",
		},
		[]string{"report"},
	)
)

// InitMetrics registers all metrics with the default registry. Call once per
// process before serving /metrics.
func InitMetrics() {
	prometheus.MustRegister(
		SchedulerTasksAdmitted,
		SchedulerTasksPostponed,
		SchedulerTasksFailed,
		SchedulerPendingTasks,
		HandlerDuration,
		FollowUpEnqueuedTotal,
		FollowUpLeasedTotal,
		FollowUpPendingRows,
		QueueMessagesConsumed,
		QueueMessagesFailed,
		QueueReceiveRetries,
		ReportRequestsTotal,
	)
}
