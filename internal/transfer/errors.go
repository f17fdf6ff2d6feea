package transfer

import (
	"errors"
	"fmt"

	"relaybox/internal/blobchannel"
)

var (
	// ErrChannelUnavailable means the blob channel session is not ready.
	ErrChannelUnavailable = blobchannel.ErrChannelUnavailable
	// ErrUnknownCode means no manifest exists for a retrieval code.
	ErrUnknownCode = errors.New("unknown retrieval code")
)

// ValidationError rejects upload input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UploadFailed reports that one part could not be transferred. Nothing was
// persisted for the attempt.
type UploadFailed struct {
	Part   int
	Name   string
	Reason error
}

func (e *UploadFailed) Error() string {
	if e.Part == 0 {
		return fmt.Sprintf("upload failed: %v", e.Reason)
	}
	return fmt.Sprintf("upload of part %d (%s) failed: %v", e.Part, e.Name, e.Reason)
}

func (e *UploadFailed) Unwrap() error {
	return e.Reason
}

// PartFetchError reports that one part URL could not be fetched. Index is
// 1-based.
type PartFetchError struct {
	Index int
	URL   string
	Cause error
}

func (e *PartFetchError) Error() string {
	return fmt.Sprintf("fetch part %d: %v", e.Index, e.Cause)
}

func (e *PartFetchError) Unwrap() error {
	return e.Cause
}

// IntegrityMismatch reports a size or checksum mismatch after reassembly.
type IntegrityMismatch struct {
	Field    string
	Expected string
	Actual   string
}

func (e *IntegrityMismatch) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

func validationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
