package broker

import (
	"errors"
	"net/http"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/preprocess"
)

// Error codes returned in the error envelope
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodePreprocessorNotFound = "PREPROCESSOR_NOT_FOUND"
	CodeModelNotFound        = "MODEL_NOT_FOUND"
	CodeResultNotFound       = "RESULT_NOT_FOUND"
	CodeBackend              = "BACKEND_ERROR"
	CodeDatabase             = "DATABASE_ERROR"
	CodeGeneration           = "GENERATION_ERROR"
	CodeNotImplemented       = "NOT_IMPLEMENTED"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// apiError is an error already mapped to its HTTP form
type apiError struct {
	status int
	title  string
	code   string
}

// classify maps a pipeline error to its HTTP form
func classify(err error) apiError {
	switch {
	case errors.Is(err, generation.ErrInvalidInput), errors.Is(err, preprocess.ErrFetch):
		return apiError{http.StatusUnprocessableEntity, "Validation Error", CodeValidation}
	case errors.Is(err, preprocess.ErrUnknown):
		return apiError{http.StatusBadRequest, "Bad Request", CodePreprocessorNotFound}
	case errors.Is(err, generation.ErrModelNotFound):
		return apiError{http.StatusNotFound, "Not Found", CodeModelNotFound}
	case errors.Is(err, generation.ErrNotFound):
		return apiError{http.StatusNotFound, "Not Found", CodeResultNotFound}
	case errors.Is(err, generation.ErrBackendUnavailable), errors.Is(err, generation.ErrBackend):
		return apiError{http.StatusBadGateway, "Bad Gateway", CodeBackend}
	case errors.Is(err, generation.ErrStorage):
		return apiError{http.StatusInternalServerError, "Internal Server Error", CodeDatabase}
	default:
		return apiError{http.StatusInternalServerError, "Internal Server Error", CodeGeneration}
	}
}

// writeError writes the error envelope for err
func (b *Broker) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)

	fields := logger.Fields{
		"path":       r.URL.Path,
		"error_code": ae.code,
		"error":      err.Error(),
	}
	if ae.status >= http.StatusInternalServerError {
		b.logger.Error("Request failed", fields)
	} else {
		b.logger.Warn("Request rejected", fields)
	}

	detail := err.Error()
	if ae.status >= http.StatusInternalServerError && ae.code != CodeBackend {
		// Internal details stay in the log
		detail = "internal error"
	}

	b.writeJSON(w, ae.status, ErrorResponse{
		Error:     ae.title,
		Detail:    detail,
		ErrorCode: ae.code,
	})
}
