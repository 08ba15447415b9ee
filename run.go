package osm2sim

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RunStatus is the state of a pipeline stage or of the whole run
type RunStatus uint16

const (
	STATUS_PENDING = RunStatus(iota + 1)
	STATUS_RUNNING
	STATUS_SUCCEEDED
	STATUS_PARTIALLY_MATCHED
	STATUS_FAILED
	STATUS_UNDEFINED = RunStatus(0)
)

func (iotaIdx RunStatus) String() string {
	return [...]string{"undefined", "pending", "running", "succeeded", "partially_matched", "failed"}[iotaIdx]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx RunStatus) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *RunStatus) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for status := STATUS_PENDING; status <= STATUS_FAILED; status++ {
		if status.String() == name {
			*iotaIdx = status
			return nil
		}
	}
	return errors.Errorf("Unknown run status '%s'", text)
}

// Terminal returns true for statuses which can't be left
func (iotaIdx RunStatus) Terminal() bool {
	return iotaIdx == STATUS_SUCCEEDED || iotaIdx == STATUS_PARTIALLY_MATCHED || iotaIdx == STATUS_FAILED
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	STATUS_PENDING: {
		STATUS_RUNNING: {},
	},
	STATUS_RUNNING: {
		STATUS_SUCCEEDED:         {},
		STATUS_PARTIALLY_MATCHED: {},
		STATUS_FAILED:            {},
	},
}

func checkTransition(from, to RunStatus) error {
	if _, ok := allowedTransitions[from][to]; !ok {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// MAX_UNMATCHED_EXAMPLES is how many unmatched identifiers are kept for the report
const MAX_UNMATCHED_EXAMPLES = 10

// Stage kind of synthesis entry in run report
const SYNTHESIS_STAGE = "synthesis"

// SourceRun is the status of a single configured data source (or of synthesis stage)
type SourceRun struct {
	Name   string    `json:"name"`
	Kind   string    `json:"kind"`
	Status RunStatus `json:"status"`
	// Items considered: records inside the boundary or populated cells
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	// Items dropped by boundary clipping
	Clipped int `json:"clipped"`
	// Generated trips, synthesis stage only
	Trips int `json:"trips,omitempty"`
	// First unmatched record IDs (or failed cell IDs) in sorted order
	UnmatchedExamples []string  `json:"unmatched_examples,omitempty"`
	Error             string    `json:"error,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
}

// UnmatchedFraction returns unmatched/total. Zero total gives zero
func (source *SourceRun) UnmatchedFraction() float64 {
	if source.Total == 0 {
		return 0
	}
	return float64(source.Unmatched) / float64(source.Total)
}

func (source *SourceRun) transition(to RunStatus, at time.Time) error {
	if err := checkTransition(source.Status, to); err != nil {
		return errors.Wrapf(err, "Source '%s'", source.Name)
	}
	source.Status = to
	if to == STATUS_RUNNING {
		source.StartedAt = at
	} else {
		source.FinishedAt = at
	}
	return nil
}

// finish moves running source to its final state according to unmatched threshold:
// nothing unmatched gives Succeeded, every item unmatched or fraction above threshold gives Failed,
// anything else PartiallyMatched
func (source *SourceRun) finish(threshold float64, at time.Time) error {
	switch {
	case source.Unmatched == 0:
		return source.transition(STATUS_SUCCEEDED, at)
	case source.Unmatched >= source.Total:
		source.Error = errors.Errorf("Every item is unmatched (%d)", source.Unmatched).Error()
		return source.transition(STATUS_FAILED, at)
	case source.UnmatchedFraction() > threshold:
		source.Error = errors.Errorf("Unmatched fraction %.4f exceeds threshold %.4f", source.UnmatchedFraction(), threshold).Error()
		return source.transition(STATUS_FAILED, at)
	default:
		return source.transition(STATUS_PARTIALLY_MATCHED, at)
	}
}

// fail moves source to Failed keeping the error
func (source *SourceRun) fail(err error, at time.Time) error {
	source.Error = err.Error()
	return source.transition(STATUS_FAILED, at)
}

// Artifacts are the canonical paths of written files
type Artifacts struct {
	Map         string `json:"map,omitempty"`
	Elements    string `json:"elements,omitempty"`
	Attachments string `json:"attachments,omitempty"`
	Scenario    string `json:"scenario,omitempty"`
	Report      string `json:"report,omitempty"`
}

// PipelineRun is the report of a single pipeline execution. It is not changed after Finalize
type PipelineRun struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Status     RunStatus   `json:"status"`
	Sources    []SourceRun `json:"sources"`
	Artifacts  Artifacts   `json:"artifacts"`
	Error      string      `json:"error,omitempty"`

	finalized bool
}

// NewPipelineRun prepares run with every source in Pending state
func NewPipelineRun(runID string, sources []SourceRun) *PipelineRun {
	run := &PipelineRun{
		RunID:   runID,
		Status:  STATUS_PENDING,
		Sources: make([]SourceRun, len(sources)),
	}
	copy(run.Sources, sources)
	for i := range run.Sources {
		run.Sources[i].Status = STATUS_PENDING
	}
	return run
}

// Start moves run to Running
func (run *PipelineRun) Start(at time.Time) error {
	if run.finalized {
		return errors.Wrap(ErrInvalidTransition, "Run is finalized")
	}
	if err := checkTransition(run.Status, STATUS_RUNNING); err != nil {
		return errors.Wrap(err, "Run")
	}
	run.Status = STATUS_RUNNING
	run.StartedAt = at
	return nil
}

// Source returns source run by name
func (run *PipelineRun) Source(name string) *SourceRun {
	for i := range run.Sources {
		if run.Sources[i].Name == name {
			return &run.Sources[i]
		}
	}
	return nil
}

// Finalize computes overall status. Systemic error or any failed source gives Failed,
// any partially matched source gives PartiallyMatched, otherwise Succeeded
func (run *PipelineRun) Finalize(at time.Time, err error) error {
	if run.finalized {
		return errors.Wrap(ErrInvalidTransition, "Run is already finalized")
	}
	status := STATUS_SUCCEEDED
	for i := range run.Sources {
		switch run.Sources[i].Status {
		case STATUS_FAILED:
			status = STATUS_FAILED
		case STATUS_PARTIALLY_MATCHED:
			if status == STATUS_SUCCEEDED {
				status = STATUS_PARTIALLY_MATCHED
			}
		case STATUS_PENDING, STATUS_RUNNING:
			// Stage has not been reached: the run has been halted
			status = STATUS_FAILED
		}
	}
	if err != nil {
		status = STATUS_FAILED
		run.Error = err.Error()
	}
	if errT := checkTransition(run.Status, status); errT != nil {
		return errors.Wrap(errT, "Run")
	}
	run.Status = status
	run.FinishedAt = at
	run.finalized = true
	return nil
}

// Finalized returns true when run can't be changed anymore
func (run *PipelineRun) Finalized() bool {
	return run.finalized
}

func firstExamples(ids []string) []string {
	if len(ids) > MAX_UNMATCHED_EXAMPLES {
		ids = ids[:MAX_UNMATCHED_EXAMPLES]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
