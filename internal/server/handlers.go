package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"relaybox/internal/api"
	"relaybox/internal/transfer"
)

const (
	unknownCodeMessage        = "Invalid unique code"
	channelUnavailableMessage = "blob channel unavailable"
)

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := errorNumericCode(status, err)
	message := err.Error()

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}

	switch {
	case status == http.StatusServiceUnavailable:
		s.log().Error("request error", fields...)
		message = channelUnavailableMessage
	case status >= 500:
		s.log().Error("request error", fields...)
		message = "internal error"
	case status >= 400 && shouldWarnClientError(status):
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

type apiError struct {
	status  int
	code    string
	errCode int
	err     error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error {
	return e.err
}

func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	var existing apiError
	if errors.As(err, &existing) {
		if existing.status != 0 {
			return existing
		}
	}

	return apiError{status: status, code: code, errCode: errCode, err: err}
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, "invalid_argument", code, err)
}

func unknownCode() error {
	return makeAPIError(http.StatusBadRequest, "invalid_argument", ErrCodeUnknownCode, errors.New(unknownCodeMessage))
}

func internalError(err error, code int) error {
	return makeAPIError(http.StatusInternalServerError, "internal", code, err)
}

func channelUnavailable(err error) error {
	return makeAPIError(http.StatusServiceUnavailable, "unavailable", ErrCodeChannelUnavailable, err)
}

// transferError maps pipeline failures onto the HTTP error envelope.
func transferError(err error) error {
	var (
		validation *transfer.ValidationError
		uploadErr  *transfer.UploadFailed
		fetchErr   *transfer.PartFetchError
		mismatch   *transfer.IntegrityMismatch
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxBytes):
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	case errors.As(err, &validation):
		return badRequestCode(validation, ErrCodeInvalidArgument)
	case errors.Is(err, transfer.ErrUnknownCode):
		return unknownCode()
	case errors.Is(err, transfer.ErrChannelUnavailable):
		return channelUnavailable(err)
	case errors.As(err, &mismatch):
		return internalError(err, ErrCodeIntegrityMismatch)
	case errors.As(err, &fetchErr):
		return internalError(err, ErrCodeRetrievalFailed)
	case errors.As(err, &uploadErr):
		return internalError(err, ErrCodeUploadFailed)
	default:
		return internalError(err, ErrCodeInternal)
	}
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

func errorCode(status int, err error) string {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.code != "" {
		return apiErr.code
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusTooManyRequests:
		return "resource_exhausted"
	case http.StatusInternalServerError:
		return "internal"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return ""
	}
}

func errorNumericCode(status int, err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.errCode > 0 {
		return apiErr.errCode
	}
	return defaultErrorCodeByStatus(status)
}

func shouldWarnClientError(status int) bool {
	return status == http.StatusTooManyRequests
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	err = transferError(err)
	s.writeErrorReq(w, r, httpStatusFromError(err), err)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorReq(w, r, http.StatusInternalServerError, internalError(err, ErrCodeStoreFailure))
}

func classifyMultipartError(err error) error {
	if err == nil {
		return nil
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}
	return badRequestCode(err, ErrCodeInvalidArgument)
}

func queryIntDefault(r *http.Request, key string, def int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	if parsed < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}
