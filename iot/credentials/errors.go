package credentials

import "fmt"

// SigningError is returned when a certificate could not be signed or verified.
// No ledger entry is written in that case.
type SigningError struct {
	SubjectCN string
	Err       error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("could not create device certificate for '%s': %v", e.SubjectCN, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// ConfigurationError is returned when the CA key material is unusable
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid CA configuration: %s: %v", e.Reason, e.Err)
	}
	return "invalid CA configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
