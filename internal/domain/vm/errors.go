package vm

import (
	"fmt"
)

// Step names a stage of the provisioning workflow.
type Step string

// Provisioning steps, in workflow order.
const (
	StepCreate Step = "create"
	StepStart  Step = "start"
	StepNoIP   Step = "no_ip"
	StepVolume Step = "volume"
	StepAttach Step = "attach"
)

// ProvisionFailure reports which provisioning step failed.
type ProvisionFailure struct {
	Step     Step
	Username string
	Err      error
}

func (e *ProvisionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provision vm for %q: step %s failed", e.Username, e.Step)
	}
	return fmt.Sprintf("provision vm for %q: step %s failed: %v", e.Username, e.Step, e.Err)
}

func (e *ProvisionFailure) Unwrap() error {
	return e.Err
}

// TeardownFailure reports a VM that could not be destroyed.
type TeardownFailure struct {
	ServerID string
	Err      error
}

func (e *TeardownFailure) Error() string {
	return fmt.Sprintf("teardown vm %s: %v", e.ServerID, e.Err)
}

func (e *TeardownFailure) Unwrap() error {
	return e.Err
}
