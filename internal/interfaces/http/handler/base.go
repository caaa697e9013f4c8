// Package handler exposes the fiscal coordinator over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	fiscalapp "github.com/erp/verifactu/internal/application/fiscal"
	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/logger"
	"github.com/erp/verifactu/internal/interfaces/http/dto"
	"github.com/erp/verifactu/internal/interfaces/http/middleware"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessList sends a success response with the item count
func (h *BaseHandler) SuccessList(c *gin.Context, data any, total int) {
	c.JSON(http.StatusOK, dto.NewListResponse(data, total))
}

// SuccessWithMeta sends a success response with pagination meta
func (h *BaseHandler) SuccessWithMeta(c *gin.Context, data any, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, total, page, pageSize))
}

// Accepted sends a 202 response for work that continues in the background
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// NoContent sends a 204 no content response
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// BindingError reports a request that failed JSON decoding or struct validation
func (h *BaseHandler) BindingError(c *gin.Context, err error) {
	middleware.HandleValidationError(c, err)
}

// sentinelCodes maps sentinel errors to API codes; first match wins
var sentinelCodes = []struct {
	err  error
	code string
}{
	{fiscal.ErrEntityHalted, dto.ErrCodeEntityHalted},
	{fiscal.ErrSubmissionNotFound, dto.ErrCodeNotFound},
	{fiscal.ErrTaskNotFound, dto.ErrCodeNotFound},
	{fiscal.ErrTaskInFlight, dto.ErrCodeTaskInFlight},
	{fiscal.ErrInvalidTransition, dto.ErrCodeInvalidState},
	{fiscal.ErrChainConflict, dto.ErrCodeConflict},
	{fiscalapp.ErrQueueFull, dto.ErrCodeQueueFull},
	{fiscalapp.ErrNotRunning, dto.ErrCodeUnavailable},
	{fiscalapp.ErrNotHalted, dto.ErrCodeNotHalted},
	{context.DeadlineExceeded, dto.ErrCodeTimeout},
}

var validationCodes = map[fiscal.ValidationKind]string{
	fiscal.ValidationKindMissingField:      dto.ErrCodeValidationRequired,
	fiscal.ValidationKindMalformedNumber:   dto.ErrCodeValidationNumber,
	fiscal.ValidationKindInvalidDate:       dto.ErrCodeValidationDate,
	fiscal.ValidationKindInvalidCode:       dto.ErrCodeValidationFormat,
	fiscal.ValidationKindReservedSeparator: dto.ErrCodeValidationSeparator,
}

// HandleError converts fiscal and coordinator errors to HTTP responses.
// Unknown errors are logged and reported as internal errors without detail.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID := middleware.GetRequestID(c)

	var ve *fiscal.ValidationError
	if errors.As(err, &ve) {
		code, ok := validationCodes[ve.Kind]
		if !ok {
			code = dto.ErrCodeValidation
		}
		resp := dto.NewErrorResponseWithRequestID(code, err.Error(), requestID)
		resp.Error.Details = []dto.ValidationDetail{{Field: ve.Field, Message: ve.Message, Kind: string(ve.Kind)}}
		c.JSON(dto.GetHTTPStatus(code), resp)
		return
	}

	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			if s.code == dto.ErrCodeQueueFull {
				c.Header("Retry-After", "1")
			}
			h.ErrorWithCode(c, s.code, err.Error())
			return
		}
	}

	var cie *fiscal.ChainIntegrityError
	if errors.As(err, &cie) {
		h.ErrorWithCode(c, dto.ErrCodeChainIntegrity, cie.Error())
		return
	}

	logger.GetGinLogger(c).Error("Unhandled request error", zap.Error(err))
	_ = c.Error(err)
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, "An unexpected error occurred")
}
