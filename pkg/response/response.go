// Package response writes the JSON envelope every HTTP endpoint answers with.
package response

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "supportwidget-backend/pkg/errors"
	"supportwidget-backend/pkg/logger"
)

// Response is the envelope around every body
type Response struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail carries an AppError to the client
type ErrorDetail struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Details any                 `json:"details,omitempty"`
}

type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Success sends data with statusCode
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta:    metaFor(c),
	})
}

// Fail aborts the request with err's code and HTTP status. Anything that is
// not an AppError is logged and answered as a bare INTERNAL_ERROR.
func Fail(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		logger.FromContext(c.Request.Context()).Error("Unhandled request error",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		appErr = apperrors.InternalError("Internal server error")
	}
	c.AbortWithStatusJSON(appErr.StatusCode, Response{
		Error: &ErrorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
		Meta: metaFor(c),
	})
}

// ValidationError sends a 400 VALIDATION_ERROR
func ValidationError(c *gin.Context, message string) {
	Fail(c, apperrors.ValidationError(message))
}

func metaFor(c *gin.Context) Meta {
	m := Meta{Timestamp: time.Now().UTC()}
	if id, ok := c.Get("request_id"); ok {
		m.RequestID, _ = id.(string)
	}
	return m
}
