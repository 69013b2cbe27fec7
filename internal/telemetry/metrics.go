package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskd",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks admitted, by type and action.",
	}, []string{"type", "action"})

	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskd",
		Name:      "tasks_rejected_total",
		Help:      "Total submissions refused: invalid, busy or shutting_down.",
	}, []string{"reason"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskd",
		Name:      "tasks_finished_total",
		Help:      "Total tasks which reached a terminal state.",
	}, []string{"type", "state", "reason"})

	TasksRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taskd",
		Name:      "tasks_running",
		Help:      "Tasks whose process is currently running.",
	}, []string{"type"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskd",
		Name:      "task_duration_seconds",
		Help:      "Process run time from start to exit.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
	}, []string{"type"})

	TasksEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskd",
		Name:      "tasks_evicted_total",
		Help:      "Total terminal tasks removed from memory by the retention policy.",
	})
)
