package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/pipeline"
)

// Error codes returned in the code field of error bodies.
const (
	CodeValidation   = "VALIDATION_FAILED"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "VERSION_CONFLICT"
	CodeBulkConflict = "BULK_CONFLICT"
	CodeBulkFailed   = "BULK_FAILED"
	CodeDuplicate    = "DUPLICATE_REQUEST"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

const ctxKeyError = "tasksync.error"

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type conflictDetails struct {
	TaskID          string `json:"taskId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	CurrentVersion  int64  `json:"currentVersion"`
}

type bulkDetails struct {
	Results []pipeline.BulkItem `json:"results"`
}

// mapError turns an error from the pipeline into a status and body.
func mapError(err error) (int, errorBody) {
	var (
		verr     *domain.ValidationError
		conflict *domain.ConflictError
		bulk     *pipeline.BulkFailure
		httpErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &verr):
		var details any
		if verr.Field != "" {
			details = map[string]string{"field": verr.Field}
		}
		return http.StatusBadRequest, errorBody{Code: CodeValidation, Error: verr.Error(), Details: details}
	case errors.As(err, &conflict):
		return http.StatusConflict, errorBody{Code: CodeConflict, Error: conflict.Error(), Details: conflictDetails{
			TaskID:          conflict.TaskID,
			ExpectedVersion: conflict.Expected,
			CurrentVersion:  conflict.Current,
		}}
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, errorBody{Code: CodeConflict, Error: err.Error()}
	case errors.As(err, &bulk):
		if bulk.AllConflicts() {
			return http.StatusConflict, errorBody{Code: CodeBulkConflict, Error: bulk.Error(), Details: bulkDetails{Results: bulk.Items}}
		}
		return http.StatusUnprocessableEntity, errorBody{Code: CodeBulkFailed, Error: bulk.Error(), Details: bulkDetails{Results: bulk.Items}}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errorBody{Code: CodeForbidden, Error: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: CodeNotFound, Error: err.Error()}
	case errors.As(err, &httpErr):
		code := CodeInternal
		switch httpErr.Code {
		case http.StatusBadRequest:
			code = CodeValidation
		case http.StatusUnauthorized:
			code = CodeUnauthorized
		case http.StatusNotFound:
			code = CodeNotFound
		}
		msg, ok := httpErr.Message.(string)
		if !ok {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, errorBody{Code: code, Error: msg}
	default:
		return http.StatusInternalServerError, errorBody{Code: CodeInternal, Error: "internal error"}
	}
}

// writeError renders err and remembers it for the request telemetry.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	c.Set(ctxKeyError, err)
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"route":  c.Path(),
		}).Error("request failed")
	}
	return c.JSON(status, body)
}

func unauthorized(c echo.Context, err error) error {
	c.Set(ctxKeyError, err)
	return c.JSON(http.StatusUnauthorized, errorBody{Code: CodeUnauthorized, Error: err.Error()})
}
