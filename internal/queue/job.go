package queue

import (
	"encoding/json"
	"time"
)

// Status of a job inside the queue.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Payload is the render job body. The session id is the idempotency key.
type Payload struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	ChatID    string `json:"chat_id"`
}

// Job is a unit of work tracked by the queue.
type Job struct {
	ID          string
	Payload     Payload
	Attempts    int
	MaxAttempts int
	Status      Status
	LastError   string
	CreatedAt   time.Time
}

func (j *Job) encodePayload() (string, error) {
	b, err := json.Marshal(j.Payload)
	return string(b), err
}
