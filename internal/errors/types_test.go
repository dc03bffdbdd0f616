package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_WrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewProviderError("openai", cause)

	assert.Equal(t, ErrCodeProvider, err.Code)
	assert.Equal(t, http.StatusBadGateway, err.HTTPCode)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, stderrors.Is(err, cause))

	wrapped := fmt.Errorf("ingest failed: %w", err)
	assert.True(t, IsAppError(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeProvider))
	assert.False(t, IsCode(wrapped, ErrCodeResourceNotFound))
	assert.Equal(t, err, GetAppError(wrapped))
}

func TestConstructors_HTTPCodes(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, NewNotFoundError("document").HTTPCode)
	assert.Equal(t, "document not found", NewNotFoundError("document").Message)
	assert.Equal(t, http.StatusConflict, NewConflictError("busy").HTTPCode)
	assert.Equal(t, http.StatusBadRequest, NewValidationError("bad").HTTPCode)
	assert.Equal(t, ErrCodeInvalidConfig, NewConfigError("overlap").Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, NewBusinessError(ErrCodeFileTooLarge, "big").HTTPCode)
}

func TestGetAppError_PlainError(t *testing.T) {
	appErr := GetAppError(fmt.Errorf("boom"))
	require.NotNil(t, appErr)
	assert.Equal(t, ErrCodeInternalServer, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPCode)
}

func TestTranslator_Translate(t *testing.T) {
	translator := NewErrorTranslator()

	assert.Nil(t, translator.Translate(nil))

	notFound := NewNotFoundError("file")
	assert.Same(t, notFound, translator.Translate(notFound))

	timeout := translator.Translate(fmt.Errorf("search: %w", context.DeadlineExceeded))
	assert.Equal(t, ErrCodeTimeout, timeout.Code)

	apiErr := translator.Translate(&openai.APIError{HTTPStatusCode: 429, Message: "rate limited", Type: "rate_limit"})
	assert.Equal(t, ErrCodeProvider, apiErr.Code)

	type request struct {
		Query string `validate:"required"`
	}
	verr := validator.New().Struct(request{})
	require.Error(t, verr)
	validation := translator.Translate(verr)
	assert.Equal(t, ErrCodeValidationFailed, validation.Code)
	details, ok := validation.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, details["errors"], 1)
}
