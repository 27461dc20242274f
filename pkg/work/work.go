package work

import (
	"fmt"
	"sort"
	"strings"
)

// CleanupReference is the main reference of the built-in maintenance unit
// that the orchestrator runs between phases.
const CleanupReference = "builtin.stage.Cleanup"

// Phase names in the order the orchestrator runs them.
const (
	PhaseSetup      = "setup"
	PhaseInitialize = "initialize"
	PhaseImport     = "import"
	PhasePrologue   = "prologue"
	PhaseMain       = "main"
	PhaseEpilogue   = "epilogue"
	PhaseExport     = "export"
	PhaseFinalize   = "finalize"
	PhaseCleanup    = "cleanup"
)

// Description is one dispatchable unit of work. Backends copy what they need
// and never modify it.
type Description struct {
	BatchID        string            `json:"batchId" validate:"required"`
	FlowID         string            `json:"flowId" validate:"required"`
	Phase          string            `json:"phase" validate:"required,oneof=setup initialize import prologue main epilogue export finalize cleanup"`
	ExecutionID    string            `json:"executionId" validate:"required"`
	StageID        string            `json:"stageId" validate:"required"`
	MainReference  string            `json:"mainReference" validate:"required"`
	Properties     map[string]string `json:"properties,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	BatchArguments map[string]string `json:"batchArguments,omitempty"`
	// Extensions are small named payloads staged next to the command.
	Extensions map[string][]byte `json:"extensions,omitempty"`
}

// Cleanup returns the maintenance unit for the same batch/flow/execution/phase.
// It carries the batch arguments but no properties, environment or extensions.
func (d Description) Cleanup() Description {
	return Description{
		BatchID:        d.BatchID,
		FlowID:         d.FlowID,
		Phase:          d.Phase,
		ExecutionID:    d.ExecutionID,
		StageID:        d.Phase,
		MainReference:  CleanupReference,
		BatchArguments: CopyMap(d.BatchArguments),
	}
}

func (d Description) String() string {
	return fmt.Sprintf("(batchId=%s, flowId=%s, phase=%s, stageId=%s, executionId=%s)",
		d.BatchID, d.FlowID, d.Phase, d.StageID, d.ExecutionID)
}

// ArgumentsString renders the batch arguments as sorted key=value pairs joined
// by ",". Backslash, "," and "=" inside keys or values are escaped.
func (d Description) ArgumentsString() string {
	keys := make([]string, 0, len(d.BatchArguments))
	for k := range d.BatchArguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, escapeArgument(k)+"="+escapeArgument(d.BatchArguments[k]))
	}
	return strings.Join(pairs, ",")
}

var argumentEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`, `=`, `\=`)

func escapeArgument(s string) string { return argumentEscaper.Replace(s) }

// CopyMap returns a shallow copy; nil stays nil.
func CopyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns base overlaid with override; override wins on conflicts.
func Merge(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
