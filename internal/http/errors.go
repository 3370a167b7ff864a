package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmehdipour/event-gateway/internal/auth"
	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

type errorInfo struct {
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Details   []model.FieldError `json:"details,omitempty"`
	RequestID string             `json:"request_id"`
	Timestamp string             `json:"timestamp"`
}

type errorResponse struct {
	Error errorInfo `json:"error"`
}

var statusCodes = map[int]string{
	http.StatusBadRequest:            CodeBadRequest,
	http.StatusUnauthorized:          CodeUnauthorized,
	http.StatusNotFound:              CodeNotFound,
	http.StatusMethodNotAllowed:      CodeMethodNotAllowed,
	http.StatusRequestEntityTooLarge: CodeTooLarge,
	http.StatusUnsupportedMediaType:  CodeUnsupportedMedia,
	http.StatusTooManyRequests:       CodeRateLimited,
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// errorHandler renders every handler and middleware error as
// {error:{code,message,details,request_id,timestamp}}.
func errorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, info := classify(err)
		info.RequestID = requestID(c)
		info.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

		if status >= http.StatusInternalServerError {
			// internals stay in the log; the caller gets the request id
			log.Error("request failed",
				zap.String("request_id", info.RequestID),
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, errorResponse{Error: info})
		}
		if err != nil {
			log.Warn("write error response", zap.Error(err))
		}
	}
}

func classify(err error) (int, errorInfo) {
	var verr *model.ValidationError
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorInfo{Code: CodeValidation, Message: verr.Message, Details: verr.Details}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorInfo{Code: CodeNotFound, Message: "event not found"}
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, errorInfo{Code: CodeUnauthorized, Message: "missing or invalid api key"}
	case errors.As(err, &herr):
		if herr.Code >= http.StatusInternalServerError {
			break
		}
		code, ok := statusCodes[herr.Code]
		if !ok {
			code = CodeBadRequest
		}
		return herr.Code, errorInfo{Code: code, Message: fmt.Sprint(herr.Message)}
	}
	return http.StatusInternalServerError, errorInfo{Code: CodeInternal, Message: "internal error"}
}
