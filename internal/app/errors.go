package app

import "fmt"

// DomainError is the error shape every handler renders. Code is a stable
// machine-readable string ("VERSION_CONFLICT", "LOCK_CONFLICT", ...); Details
// carries the payload the client needs to recover, such as the current head
// version on a save conflict.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
