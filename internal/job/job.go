package job

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateIdle              State = "IDLE"
	StateParsedTarget      State = "PARSED_TARGET"
	StateResolvedOverrides State = "RESOLVED_OVERRIDES"
	StatePatched           State = "PATCHED"
	StateBuilding          State = "BUILDING"
	StateRestored          State = "RESTORED"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Stage names the part of the pipeline an error came from.
type Stage string

const (
	StageParse   Stage = "parse"
	StageResolve Stage = "resolve"
	StagePatch   Stage = "patch"
	StageBuild   Stage = "build"
	StageRestore Stage = "restore"
)

type Override struct {
	Package string `json:"package"`
	Path    string `json:"path"`
}

// Record tracks one build invocation from target selection to its terminal state.
type Record struct {
	ID string `json:"id"`

	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`

	Target    string     `json:"target,omitempty"`
	Overrides []Override `json:"overrides,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ExitCode     *int         `json:"exit_code,omitempty"`
	ArtifactPath string       `json:"artifact_path,omitempty"`
	LogExcerpt   string       `json:"log_excerpt,omitempty"`
	Diagnostics  []Diagnostic `json:"diagnostics,omitempty"`
}

func New(id string, now time.Time) *Record {
	return &Record{
		ID:        id,
		State:     StateIdle,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (r *Record) Transition(next State, now time.Time, message string) error {
	if !isValidTransition(r.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, next)
	}
	n := now.UTC()
	r.State = next
	r.UpdatedAt = n
	r.Message = message
	if next == StateBuilding {
		r.StartedAt = &n
	}
	if next == StateDone || next == StateFailed {
		r.FinishedAt = &n
	}
	return nil
}

func (r *Record) MarkFailed(now time.Time, stage Stage, err error) error {
	if err == nil {
		err = errors.New("build failed")
	}
	if r.Terminal() {
		return fmt.Errorf("invalid state for failure: %s", r.State)
	}
	if trErr := r.Transition(StateFailed, now, fmt.Sprintf("%s failed", stage)); trErr != nil {
		return trErr
	}
	r.Stage = stage
	r.Error = err.Error()
	return nil
}

func (r *Record) MarkDone(now time.Time, message string) error {
	if r.State != StateRestored {
		return fmt.Errorf("invalid state for success: %s", r.State)
	}
	if err := r.Transition(StateDone, now, message); err != nil {
		return err
	}
	r.Error = ""
	return nil
}

func (r *Record) Terminal() bool {
	return r.State == StateDone || r.State == StateFailed
}

func (r *Record) Succeeded() bool {
	return r.State == StateDone
}

// Duration is the time spent building, zero until the build started and finished.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

var forward = map[State]State{
	StateIdle:              StateParsedTarget,
	StateParsedTarget:      StateResolvedOverrides,
	StateResolvedOverrides: StatePatched,
	StatePatched:           StateBuilding,
	StateBuilding:          StateRestored,
	StateRestored:          StateDone,
}

func isValidTransition(from, to State) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return from != StateRestored
	}
	return forward[from] == to
}
