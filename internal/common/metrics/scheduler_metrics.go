package metrics

import "github.com/prometheus/client_golang/prometheus"

const MetricPrefix = "taskfarm_"

var JobsDesc = prometheus.NewDesc(
	MetricPrefix+"jobs",
	"Number of jobs, by status",
	[]string{"status"},
	nil,
)

var TasksDesc = prometheus.NewDesc(
	MetricPrefix+"tasks",
	"Number of tasks, by status",
	[]string{"status"},
	nil,
)

var ManagerHeldTasksDesc = prometheus.NewDesc(
	MetricPrefix+"manager_held_tasks",
	"Tasks held by a manager",
	[]string{"manager"},
	nil,
)

var ManagerWorkersDesc = prometheus.NewDesc(
	MetricPrefix+"manager_workers",
	"Workers last reported by a manager",
	[]string{"manager"},
	nil,
)

var ManagerLastSeenDesc = prometheus.NewDesc(
	MetricPrefix+"manager_last_seen_seconds",
	"Seconds since a manager was last seen",
	[]string{"manager"},
	nil,
)

var AllDescs = []*prometheus.Desc{
	JobsDesc,
	TasksDesc,
	ManagerHeldTasksDesc,
	ManagerWorkersDesc,
	ManagerLastSeenDesc,
}

func NewJobCount(count float64, status string) prometheus.Metric {
	return prometheus.MustNewConstMetric(JobsDesc, prometheus.GaugeValue, count, status)
}

func NewTaskCount(count float64, status string) prometheus.Metric {
	return prometheus.MustNewConstMetric(TasksDesc, prometheus.GaugeValue, count, status)
}

func NewManagerHeldTasks(count float64, manager string) prometheus.Metric {
	return prometheus.MustNewConstMetric(ManagerHeldTasksDesc, prometheus.GaugeValue, count, manager)
}

func NewManagerWorkers(count float64, manager string) prometheus.Metric {
	return prometheus.MustNewConstMetric(ManagerWorkersDesc, prometheus.GaugeValue, count, manager)
}

func NewManagerLastSeen(seconds float64, manager string) prometheus.Metric {
	return prometheus.MustNewConstMetric(ManagerLastSeenDesc, prometheus.GaugeValue, seconds, manager)
}
