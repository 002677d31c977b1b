package orchestrator

import "fmt"

// State is the per-scene pipeline stage.
type State int

const (
	StateInit State = iota
	StateSceneSetup
	StateGameObjectSetup
	StateExport
	StateWaitingForExportDelay
	StateStartUpload
	StateUploading
	StateComplete
)

var stateNames = map[State]string{
	StateInit:                  "init",
	StateSceneSetup:            "scene_setup",
	StateGameObjectSetup:       "game_object_setup",
	StateExport:                "export",
	StateWaitingForExportDelay: "waiting_for_export_delay",
	StateStartUpload:           "start_upload",
	StateUploading:             "uploading",
	StateComplete:              "complete",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the run status returned by Step.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	// StatusHalted: the current scene failed to export. The run waits for
	// Retry, Skip or Abort.
	StatusHalted
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusDone:
		return "done"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Snapshot is the whole resumable position of a run.
type Snapshot struct {
	SceneIndex int
	State      State
}

// Outcome is the per-scene result of a run.
type Outcome string

const (
	OutcomePassed     Outcome = "passed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeUnselected Outcome = "unselected"
	OutcomeAborted    Outcome = "aborted"
)

// SceneResult records what happened to one scene.
type SceneResult struct {
	Path    string
	Outcome Outcome
	SceneID string
	Version int
	Err     error
}

// Decision is a caller's answer to a halted scene.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionRetry
	DecisionAbort
)
