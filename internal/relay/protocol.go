// Package relay hands jobs to peer sending nodes over HTTP when local
// identities are out of capacity, and serves the same protocol for peers.
package relay

import "github.com/busybox42/sendline/internal/delivery"

// Paths served by a relay node
const (
	PathSend      = "/send"
	PathSendBatch = "/send-batch"
	PathHealth    = "/health"
)

// SendResponse answers POST /send
type SendResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Outcome *delivery.Outcome `json:"outcome,omitempty"`
}

// BatchRequest is the body of POST /send-batch
type BatchRequest struct {
	Jobs []*delivery.Job `json:"jobs"`
}

// BatchResults summarizes a batch
type BatchResults struct {
	Sent     int                `json:"sent"`
	Failed   int                `json:"failed"`
	Outcomes []delivery.Outcome `json:"outcomes"`
}

// BatchResponse answers POST /send-batch
type BatchResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Results *BatchResults `json:"results,omitempty"`
}

// HealthResponse answers GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Capacity int64  `json:"capacity"`
}

// MaxBatch bounds the jobs accepted in one batch
const MaxBatch = 500
