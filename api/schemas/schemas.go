// File: api/schemas/schemas.go
// Description: Shared data types exchanged between the parser, the dispatcher,
// and the execution loop. These are the only types that cross package
// boundaries; everything else stays internal to its component.

package schemas

// Provenance records how an ActionRequest was extracted from model text.
type Provenance string

const (
	// ProvenanceStructured means the request came from a well-formed JSON
	// action block that passed strict schema validation.
	ProvenanceStructured Provenance = "structured"
	// ProvenanceHeuristic means the request was inferred from free-form text
	// by per-operation extraction rules.
	ProvenanceHeuristic Provenance = "heuristic"
)

// ActionRequest is one validated operation call decided by the model.
// Arguments are primitive values only (string, int64, float64).
type ActionRequest struct {
	Op         string         `json:"op"`
	Args       map[string]any `json:"args"`
	Provenance Provenance     `json:"provenance"`
	// Raw keeps the model text the request was extracted from, for diagnostics.
	Raw string `json:"-"`
}

// StringArg returns a string argument, or "" if absent or not a string.
func (r *ActionRequest) StringArg(name string) string {
	if v, ok := r.Args[name].(string); ok {
		return v
	}
	return ""
}

// IntArg returns an integer argument. JSON numbers arrive as float64, so both
// representations are accepted; non-integral floats report !ok.
func (r *ActionRequest) IntArg(name string) (int, bool) {
	switch v := r.Args[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// ResultStatus tags the outcome of a dispatched operation.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// ToolResult is the dispatcher's normalized view of one operation outcome.
type ToolResult struct {
	Op      string       `json:"op"`
	Status  ResultStatus `json:"status"`
	Payload string       `json:"payload,omitempty"`
	// SessionID is set on a successful launch_browser so the loop can bind
	// subsequent operations to the new session.
	SessionID string `json:"session_id,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskStatus is the terminal state of an execution loop run.
type TaskStatus string

const (
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// FailReason explains why a run ended without completing its task.
type FailReason string

const (
	FailUnparsableRepeatedly FailReason = "unparsable_repeatedly"
	FailIterationLimit       FailReason = "iteration_limit"
	FailFatalTool            FailReason = "fatal_tool"
	FailCancelled            FailReason = "cancelled"
)

// TaskOutcome is the final report handed back to the caller. The conversation
// transcript and any screenshots remain available separately for diagnostics.
type TaskOutcome struct {
	Status     TaskStatus `json:"status"`
	Reason     FailReason `json:"reason,omitempty"`
	Iterations int        `json:"iterations"`
	// Dispatched lists operation names in the order they succeeded.
	Dispatched []string `json:"dispatched"`
	Err        error    `json:"-"`
}

// Succeeded reports whether the run ended with the task complete.
func (o TaskOutcome) Succeeded() bool { return o.Status == TaskComplete }
