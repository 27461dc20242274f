// Package models holds the messages exchanged by the dispatcher service.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/batchexec/pkg/work"
)

// Request asks the dispatcher to run one unit of work. ExecutionUID is
// assigned by the service when the caller leaves it empty.
type Request struct {
	ExecutionUID uuid.UUID        `json:"exuid"`
	Cleanup      bool             `json:"cleanup,omitempty"`
	Work         work.Description `json:"work"`
}

type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Outcome is published once per accepted request.
type Outcome struct {
	ExecutionUID uuid.UUID `json:"exuid" bson:"-"`
	State        State     `json:"state" bson:"state"`
	ExitCode     *int      `json:"exitCode,omitempty" bson:"exitCode,omitempty"`
	Error        string    `json:"error,omitempty" bson:"error,omitempty"`
	Work         string    `json:"work" bson:"work"`
	Finished     time.Time `json:"finished" bson:"finished"`
}

type Response struct {
	ExecutionUID uuid.UUID `json:"exuid"`
}
