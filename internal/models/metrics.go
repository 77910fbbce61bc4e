package models

import "time"

// WorkerMetrics summarizes the runs of one worker.
type WorkerMetrics struct {
	WorkerID     string     `json:"workerId"`
	WorkerType   string     `json:"workerType"`   // ssh / local
	AvgLatencyMs float64    `json:"avgLatencyMs"` // exponential moving average
	Completed    int64      `json:"completed"`
	Failed       int64      `json:"failed"`
	LastStatus   Status     `json:"lastStatus,omitempty"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
}

// JobsDone counts every finished run.
func (m WorkerMetrics) JobsDone() int64 { return m.Completed + m.Failed }

// Diagnostic is a read-only command whose output is stored as a job metric.
type Diagnostic struct {
	Name    string
	Command string
}

// Diagnostics run after every remote job.
var Diagnostics = []Diagnostic{
	{Name: "Disk Usage", Command: "df -h /"},
	{Name: "Memory Usage", Command: "free -m"},
	{Name: "Load Average", Command: "uptime"},
}

// LaneStats reports how many jobs wait in each lane.
type LaneStats struct {
	Priority int64 `json:"priority"`
	Wait     int64 `json:"wait"`
}
