package broker

import "errors"

// AdapterError is the single error shape crossing the adapter/sync boundary.
// The API layer maps Code to an HTTP status.
type AdapterError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	CodeValidation     = "VALIDATION"
	CodeAuthExpired    = "AUTH_EXPIRED"
	CodeIntegrity      = "INTEGRITY"
	CodeProvider       = "PROVIDER"
	CodeZeroAccounts   = "ZERO_ACCOUNTS"
	CodeSyncInProgress = "SYNC_IN_PROGRESS"
	CodeNotFound       = "NOT_FOUND"
)

func (e *AdapterError) Error() string {
	return e.Code + ": " + e.Message
}

func NewValidation(msg string, details map[string]any) *AdapterError {
	return &AdapterError{Code: CodeValidation, Message: msg, Details: details}
}

func NewAuthExpired(msg string) *AdapterError {
	return &AdapterError{Code: CodeAuthExpired, Message: msg}
}

func NewIntegrity(msg string) *AdapterError {
	return &AdapterError{Code: CodeIntegrity, Message: msg}
}

func NewProvider(msg string, details map[string]any) *AdapterError {
	return &AdapterError{Code: CodeProvider, Message: msg, Details: details}
}

func NewZeroAccounts(kind string) *AdapterError {
	return &AdapterError{Code: CodeZeroAccounts, Message: "no accounts discovered for broker " + kind}
}

func NewSyncInProgress(connectionID string) *AdapterError {
	return &AdapterError{Code: CodeSyncInProgress, Message: "sync already in progress", Details: map[string]any{"connectionId": connectionID}}
}

func NewNotFound(what string) *AdapterError {
	return &AdapterError{Code: CodeNotFound, Message: what + " not found"}
}

// AsAdapterError unwraps err to an *AdapterError if one is in the chain.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
