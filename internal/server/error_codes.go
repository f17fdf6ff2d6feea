package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument = 1000
	ErrCodeRequestTooLarge = 1002
	ErrCodeInvalidQuery    = 1003
	ErrCodeMissingFile     = 1009
	ErrCodeEmptyFileName   = 1010

	// Domain state (2xxx)
	ErrCodeUnknownCode = 2001

	// Limits (3xxx)
	ErrCodeResourceExhausted = 3003

	// Internal/system (4xxx)
	ErrCodeInternal          = 4001
	ErrCodeStoreFailure      = 4002
	ErrCodeUploadFailed      = 4003
	ErrCodeRetrievalFailed   = 4004
	ErrCodeIntegrityMismatch = 4005

	// Blob channel (5xxx)
	ErrCodeChannelUnavailable = 5001
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 503:
		return ErrCodeChannelUnavailable
	default:
		return 0
	}
}
