package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"esignd/internal/domain"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps core errors onto HTTP status codes and stable error codes.
func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case domain.IsValidationFailure(err):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrCertificateNotFound):
		return http.StatusNotFound, "CERTIFICATE_NOT_FOUND"
	case errors.Is(err, domain.ErrSignatureNotFound):
		return http.StatusNotFound, "SIGNATURE_NOT_FOUND"
	case errors.Is(err, domain.ErrWorkflowNotFound):
		return http.StatusNotFound, "WORKFLOW_NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyRevoked):
		return http.StatusConflict, "ALREADY_REVOKED"
	case errors.Is(err, domain.ErrAlreadySigned):
		return http.StatusConflict, "ALREADY_SIGNED"
	case errors.Is(err, domain.ErrWorkflowClosed):
		return http.StatusConflict, "WORKFLOW_CLOSED"
	case errors.Is(err, domain.ErrUnknownSigner):
		return http.StatusUnprocessableEntity, "UNKNOWN_SIGNER"
	case errors.Is(err, domain.ErrNoPrivateKey):
		return http.StatusUnprocessableEntity, "NO_PRIVATE_KEY"
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, domain.ErrKeyGeneration):
		return http.StatusInternalServerError, "KEY_GENERATION_FAILED"
	case errors.Is(err, domain.ErrIssuance):
		return http.StatusInternalServerError, "ISSUANCE_FAILED"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		_ = c.Error(err)
	}
	writeErrorCode(c, status, code, msg)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}

func badRequest(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeErrorCode(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	writeErrorCode(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
}
