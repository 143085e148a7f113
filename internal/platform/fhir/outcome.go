package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lifelog/ehr/internal/platform/notify"
	"github.com/lifelog/ehr/internal/resource"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeTooCostly    = "too-costly"
	IssueTypeTimeout      = "timeout"
	IssueTypeException    = "exception"
)

// OperationOutcome is the FHIR error body.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// ErrorOutcome is a generic processing failure.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// StatusFor maps a service error to its HTTP status and issue code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound, IssueTypeNotFound
	case errors.Is(err, resource.ErrAlreadyExists):
		return http.StatusConflict, IssueTypeDuplicate
	case errors.Is(err, resource.ErrVersionConflict):
		return http.StatusPreconditionFailed, IssueTypeConflict
	case errors.Is(err, resource.ErrValidationFailed):
		return http.StatusUnprocessableEntity, IssueTypeInvalid
	case errors.Is(err, resource.ErrSerialization):
		return http.StatusBadRequest, IssueTypeStructure
	case errors.Is(err, notify.ErrInvalidSubscription):
		return http.StatusBadRequest, IssueTypeInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, IssueTypeTimeout
	}
	return http.StatusInternalServerError, IssueTypeException
}

func issueCodeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return IssueTypeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return IssueTypeSecurity
	case http.StatusMethodNotAllowed:
		return IssueTypeNotSupported
	case http.StatusRequestEntityTooLarge:
		return IssueTypeTooCostly
	case http.StatusGatewayTimeout:
		return IssueTypeTimeout
	}
	if status >= 500 {
		return IssueTypeException
	}
	return IssueTypeInvalid
}

// ErrorHandler renders every error returned by a handler or middleware as an
// OperationOutcome. Internal errors are logged and their detail withheld.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status      int
			code        string
			diagnostics string
		)
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			code = issueCodeForStatus(status)
			diagnostics = fmt.Sprint(httpErr.Message)
		} else {
			status, code = StatusFor(err)
			diagnostics = err.Error()
		}
		if status >= 500 && code == IssueTypeException {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("request failed")
			diagnostics = "internal server error"
		}

		outcome := NewOperationOutcome(IssueSeverityError, code, diagnostics)
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, outcome)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("writing error response")
		}
	}
}
