package app

import "fmt"

// DomainError carries an HTTP status and a stable code for the REST
// surface. The collaboration path reports failures through connection
// acks instead; this type only serves the session/health endpoints.
type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}
