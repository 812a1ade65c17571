package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/types"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotEligible       = "NOT_ELIGIBLE"
	ErrCodeFundsPending      = "FUNDS_PENDING"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeMismatch          = "RECONCILIATION_MISMATCH"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// UnprocessableEntity sends a 422 response with an explicit code
func UnprocessableEntity(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnprocessableEntity, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError maps domain errors onto HTTP responses
func handleError(c *gin.Context, err error) {
	var (
		invalidTransition *types.InvalidTransitionError
		clearingNotDone   *types.ClearingNotElapsedError
		alreadyCaptured   *types.AlreadyCapturedError
		notEligible       *types.OrderNotEligibleError
		fundsPending      *types.FundsPendingError
		insufficient      *types.InsufficientFundsError
		mismatch          *types.ReconciliationMismatchError
	)

	switch {
	case errors.As(err, &invalidTransition):
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeInvalidTransition, Message: err.Error()},
		})
	case errors.As(err, &clearingNotDone):
		UnprocessableEntity(c, ErrCodeNotEligible, err.Error())
	case errors.As(err, &alreadyCaptured):
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeDuplicateResource, Message: err.Error()},
		})
	case errors.As(err, &notEligible):
		UnprocessableEntity(c, ErrCodeNotEligible, err.Error())
	case errors.As(err, &fundsPending):
		UnprocessableEntity(c, ErrCodeFundsPending, err.Error())
	case errors.As(err, &insufficient):
		UnprocessableEntity(c, ErrCodeInsufficientFunds, err.Error())
	case errors.As(err, &mismatch):
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeMismatch, Message: err.Error()},
		})
	case errors.Is(err, types.ErrVersionConflict):
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   &Error{Code: ErrCodeInvalidTransition, Message: "Concurrent update, please retry"},
		})
	default:
		InternalError(c, "An unexpected error occurred")
	}
}
