package patcher

import "fmt"

// State is a step of a patching run.
type State int

const (
	Idle State = iota
	Scanning
	MountingSource
	ResizingTargets
	MountingTargets
	Copying
	PatchingManifests
	Unmounting
	Done
	Failed
)

var stateNames = [...]string{
	Idle:              "idle",
	Scanning:          "scanning",
	MountingSource:    "mounting source",
	ResizingTargets:   "resizing targets",
	MountingTargets:   "mounting targets",
	Copying:           "copying",
	PatchingManifests: "patching manifests",
	Unmounting:        "unmounting",
	Done:              "done",
	Failed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// StepError reports the step a run failed in.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
