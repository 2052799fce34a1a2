package switchboard

import "fmt"

// Stage names the bootstrap step that failed.
type Stage string

const (
	StageAutomationCore  Stage = "automation_core"
	StageDiscoveryEngine Stage = "discovery_engine"
)

// InitError reports a failed Initialize. It is never fatal to the process;
// the caller may retry.
type InitError struct {
	Stage Stage
	Err   error
}

func (e *InitError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Stage {
	case StageAutomationCore:
		return fmt.Sprintf("switchboard: automation core failed: %v", e.Err)
	case StageDiscoveryEngine:
		return fmt.Sprintf("switchboard: discovery engine failed: %v", e.Err)
	default:
		return fmt.Sprintf("switchboard: initialize %s: %v", e.Stage, e.Err)
	}
}

func (e *InitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
