package client

import "time"

// Outcome is the result of a stop or kill request: "terminated", "killed"
// or "not_found".
type Outcome string

// Usage is a used/total pair in bytes.
type Usage struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// State is the supervisor state.
type State struct {
	Desired           int   `json:"desired"`
	Paused            bool  `json:"paused"`
	LifetimeCreated   int64 `json:"lifetime_created"`
	LifetimeCompleted int64 `json:"lifetime_completed"`
}

// Worker is one live worker in a status report.
type Worker struct {
	PID           int        `json:"pid"`
	Completed     int        `json:"completed"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	LaunchedAt    time.Time  `json:"launched_at"`
	Stale         bool       `json:"stale"`
}

// Status is the pool overview returned by GET /status.
type Status struct {
	LiveWorkers []Worker  `json:"live_workers"`
	CPUPercent  float64   `json:"cpu_percent"`
	Memory      Usage     `json:"memory"`
	Disk        Usage     `json:"disk"`
	BootTime    time.Time `json:"boot_time"`
	State
	LastTick      time.Time `json:"last_tick,omitempty"`
	LastTickError string    `json:"last_tick_error,omitempty"`
}

// ProcessUsage is the resource footprint of one worker.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// WorkerDetail is returned by GET /workers/:pid.
type WorkerDetail struct {
	Worker
	Exe   string       `json:"exe,omitempty"`
	Cwd   string       `json:"cwd,omitempty"`
	Usage ProcessUsage `json:"usage"`
}

// StopResult is the response of /stop and /kill.
type StopResult struct {
	PID     int     `json:"pid"`
	Outcome Outcome `json:"outcome"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
