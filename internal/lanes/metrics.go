package lanes

import "github.com/prometheus/client_golang/prometheus"

var (
	// laneQueueDepth tracks queued-plus-active tasks per lane, mirroring
	// Lane.QueueSize().
	laneQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lane_queue_depth",
		Help: "Number of tasks queued or running in a lane.",
	}, []string{"lane"})

	// laneActiveTasks tracks only the tasks currently executing per lane.
	laneActiveTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lane_active_tasks",
		Help: "Number of tasks currently executing in a lane.",
	}, []string{"lane"})
)

func init() {
	prometheus.MustRegister(laneQueueDepth, laneActiveTasks)
}

// reportMetrics publishes the lane's current depth/active counts. Callers
// must hold l.mu.
func (l *Lane) reportMetrics() {
	laneQueueDepth.WithLabelValues(l.Name).Set(float64(len(l.queue) + l.active))
	laneActiveTasks.WithLabelValues(l.Name).Set(float64(l.active))
}
