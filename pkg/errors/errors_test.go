package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := StoreError(cause)

	assert.Equal(t, ErrCodeStore, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHasCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("enqueue failed: %w", AlreadyQueuedError("chan-1"))

	assert.True(t, HasCode(err, ErrCodeAlreadyQueued))
	assert.False(t, HasCode(err, ErrCodeQueueFull))
	assert.False(t, HasCode(fmt.Errorf("plain"), ErrCodeAlreadyQueued))
}

func TestGetAppError(t *testing.T) {
	appErr := GetAppError(QueueFullError())
	assert.Equal(t, ErrCodeQueueFull, appErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode)

	wrapped := GetAppError(fmt.Errorf("wrapped: %w", CallNotFoundError()))
	assert.Equal(t, ErrCodeCallNotFound, wrapped.Code)

	plain := GetAppError(fmt.Errorf("something broke"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
	assert.Equal(t, "something broke", plain.Message)
}

func TestStatusCodes(t *testing.T) {
	assert.Equal(t, http.StatusConflict, AlreadyInCallError("chan-1").StatusCode)
	assert.Equal(t, http.StatusNotFound, NotQueuedError("chan-1").StatusCode)
	assert.Equal(t, http.StatusConflict, CallEndedError().StatusCode)
	assert.Equal(t, http.StatusBadRequest, InvalidInputError("bad").StatusCode)
}
