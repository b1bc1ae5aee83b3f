package apihandlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the body of every failed request, e.g.
// { "error": { "code": "conflict", "message": "...", "retryable": true } }
// Retryable tells the executor the same request may succeed later.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError aborts the request with a structured error body.
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

func retryableError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg, Retryable: true}})
}

func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

// Conflict reports a run that is not in a state to accept the request yet.
func Conflict(ctx *gin.Context, msg string, retryable bool) {
	if retryable {
		retryableError(ctx, http.StatusConflict, "conflict", msg)
		return
	}
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

func Unprocessable(ctx *gin.Context, code, msg string) {
	JSONError(ctx, http.StatusUnprocessableEntity, code, msg)
}

// Unavailable reports a dependency outage; the request can be repeated unchanged.
func Unavailable(ctx *gin.Context, code, msg string) {
	retryableError(ctx, http.StatusServiceUnavailable, code, msg)
}
