package response

import (
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	type request struct {
		UserID string `validate:"required,numeric"`
		Plan   string `validate:"oneof=free pro"`
	}

	err := validator.New().Struct(request{UserID: "abc", Plan: "gold"})
	require.Error(t, err)

	resp := ValidationError(err.(validator.ValidationErrors))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "field UserID can contain only numbers, field Plan must be one of: free pro", resp.Error)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, Response{Status: StatusOK}, OK())
	assert.Equal(t, Response{Status: StatusOK, Data: 1}, StatusOKWithData(1))
	assert.Equal(t, Response{Status: StatusError, Error: "boom"}, Error("boom"))
}
