// Package jobqueue submits work to a pool of interchangeable job-queue
// servers and waits for the result.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/andrej220/batchexec/pkg/work"
)

// Kind is the state of a remote job. Values are ordered so that a larger
// value always means the job made progress.
type Kind int

const (
	Initialized Kind = iota
	Waiting
	Running
	Completed
	Error
)

var kindSymbols = map[Kind]string{
	Initialized: "initialized",
	Waiting:     "waiting",
	Running:     "running",
	Completed:   "completed",
	Error:       "error",
}

func (k Kind) String() string {
	if s, ok := kindSymbols[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Terminal reports whether no further transition follows k.
func (k Kind) Terminal() bool { return k == Completed || k == Error }

// ParseKind maps a wire symbol to its Kind.
func ParseKind(symbol string) (Kind, error) {
	for k, s := range kindSymbols {
		if strings.EqualFold(s, symbol) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid job status: %q", symbol)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// JobID is the token a queue server assigns on registration.
type JobID string

// Status is a single observation of a remote job.
// ExitCode is meaningful only for Completed, ErrorCode and ErrorMessage only for Error.
type Status struct {
	Kind         Kind
	JobID        JobID
	ExitCode     int
	ErrorCode    string
	ErrorMessage string
}

// Job is the queue representation of a work description.
type Job struct {
	BatchID     string            `json:"batchId"`
	FlowID      string            `json:"flowId"`
	ExecutionID string            `json:"executionId"`
	Phase       string            `json:"phaseId"`
	StageID     string            `json:"stageId"`
	MainClass   string            `json:"mainClass"`
	Arguments   map[string]string `json:"arguments"`
	Properties  map[string]string `json:"properties"`
	Env         map[string]string `json:"env"`
}

// NewJob converts w, merging base properties with the work properties.
// Work properties win on conflicts.
func NewJob(w work.Description, base map[string]string) *Job {
	return &Job{
		BatchID:     w.BatchID,
		FlowID:      w.FlowID,
		ExecutionID: w.ExecutionID,
		Phase:       w.Phase,
		StageID:     w.StageID,
		MainClass:   w.MainReference,
		Arguments:   nonNil(w.BatchArguments),
		Properties:  work.Merge(base, w.Properties),
		Env:         nonNil(w.Environment),
	}
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return work.CopyMap(m)
}

func (j *Job) String() string {
	return fmt.Sprintf("(batchId=%s, flowId=%s, phase=%s, stageId=%s, executionId=%s)",
		j.BatchID, j.FlowID, j.Phase, j.StageID, j.ExecutionID)
}

// Handle identifies a registered job and the endpoint it is bound to.
type Handle struct {
	Endpoint Endpoint
	JobID    JobID
	member   *Member
}

func (h *Handle) String() string {
	return fmt.Sprintf("job %s on %s", h.JobID, h.Endpoint)
}

// statusMessage is the JSON document returned by queue servers.
type statusMessage struct {
	Status    *Kind       `json:"status"`
	JobID     string      `json:"jrid"`
	ExitCode  json.Number `json:"exitCode"`
	ErrorCode any         `json:"errorCode"`
	Message   string      `json:"message"`
}

func (m *statusMessage) toStatus() (*Status, error) {
	if m.Status == nil {
		return nil, fmt.Errorf("status was not specified")
	}
	s := &Status{Kind: *m.Status, JobID: JobID(m.JobID), ErrorMessage: m.Message}
	if m.ErrorCode != nil {
		s.ErrorCode = fmt.Sprint(m.ErrorCode)
	}
	if s.Kind != Error && s.JobID == "" {
		return nil, fmt.Errorf("job request ID was not specified")
	}
	if s.Kind == Completed {
		if m.ExitCode == "" {
			return nil, fmt.Errorf("exit code was not specified")
		}
		code, err := m.ExitCode.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q: %w", m.ExitCode, err)
		}
		s.ExitCode = int(code)
	}
	return s, nil
}
