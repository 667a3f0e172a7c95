// Package health describes the availability snapshot reported by the service.
package health

import "time"

const (
	StateUp       = "UP"
	StateDegraded = "DEGRADED"
	StateDown     = "DOWN"
)

// Check is the state of one dependency.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Status captures the state of the service at a moment in time.
type Status struct {
	Service      string    `json:"service"`
	Version      string    `json:"version"`
	Environment  string    `json:"environment"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	Uptime       string    `json:"uptime"`
	UptimeSecs   int64     `json:"uptimeSeconds"`
	Dependencies []Check   `json:"dependencies,omitempty"`
}
