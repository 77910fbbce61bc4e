package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobConfig is what a producer submits.
type JobConfig struct {
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	Attempts int            `json:"attempts,omitempty"`
	Timeout  int            `json:"timeout,omitempty"` // milliseconds, 0 = none
	Delay    int            `json:"delay,omitempty"`   // milliseconds, stored only
}

// Job is the immutable description of one unit of work. Its serialized form
// is the member stored in a lane.
type Job struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload"`
	Attempts  int            `json:"attempts"`
	Timeout   int            `json:"timeout"`
	Delay     int            `json:"delay"`
}

// NewJob builds a job with a fresh id and creation timestamp.
func NewJob(cfg JobConfig) Job {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return Job{
		ID:        uuid.New().String(),
		Name:      cfg.Name,
		Priority:  cfg.Priority,
		CreatedAt: time.Now().UTC(),
		Payload:   cfg.Payload,
		Attempts:  attempts,
		Timeout:   cfg.Timeout,
		Delay:     cfg.Delay,
	}
}

// Serialize returns the lane form of the job.
func (j Job) Serialize() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}
	return data, nil
}

// DecodeJob parses a lane member.
func DecodeJob(raw []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if j.ID == "" {
		return Job{}, fmt.Errorf("job without id: %w", ErrInvalidJob)
	}
	return j, nil
}

// TimeoutDuration converts the millisecond timeout.
func (j Job) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Millisecond
}

// Command returns payload.data when it is a non-empty string.
func (j Job) Command() (string, bool) {
	if j.Payload == nil {
		return "", false
	}
	cmd, ok := j.Payload["data"].(string)
	if !ok || cmd == "" {
		return "", false
	}
	return cmd, true
}

// Metadata is the persisted, mutable view of a job.
type Metadata struct {
	Job
	Status     Status     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	WorkerID   string     `json:"workerId,omitempty"`
}
