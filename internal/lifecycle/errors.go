package lifecycle

import "fmt"

// ConfigurationError means a required sub-component is missing or invalid,
// typically an unset URL, model or credential.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProvisioningError means a sub-component failed to construct or start at runtime.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning (%s): %v", e.Stage, e.Err)
}
func (e *ProvisioningError) Unwrap() error { return e.Err }

// RuntimeError is a failure of a running pipeline.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return "runtime: " + e.Err.Error() }
func (e *RuntimeError) Unwrap() error { return e.Err }

// TeardownError describes one failed teardown step. It is logged, never returned.
type TeardownError struct {
	Step string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.Step, e.Err)
}
func (e *TeardownError) Unwrap() error { return e.Err }
