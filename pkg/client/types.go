package client

import "time"

// LastRun is the answer of GET /runs/:name.
type LastRun struct {
	ProcessName     string     `json:"process_name"`
	LastFinishedAt  *time.Time `json:"last_finished_at"`
	LastSucceededAt *time.Time `json:"last_succeeded_at"`
}

// Run is one recorded run.
type Run struct {
	ProcessName string     `json:"process_name"`
	ProcessID   string     `json:"process_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status,omitempty"`
	Running     bool       `json:"running"`
}

// LogEntry is one line of a run log.
type LogEntry struct {
	ProcessName string    `json:"process_name"`
	ProcessID   string    `json:"process_id"`
	LogAt       time.Time `json:"log_at"`
	Message     string    `json:"log"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
