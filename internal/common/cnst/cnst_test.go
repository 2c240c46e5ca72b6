package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppConstants(t *testing.T) {
	assert.Equal(t, "imgate", AppName)
	assert.Equal(t, "imgate", CommandName)
	assert.Equal(t, "imgate.yaml", ConfigYaml)
}

func TestErrorConstants(t *testing.T) {
	assert.Equal(t, "user already exists", ErrUserExists.Error())
	assert.Equal(t, "user not found", ErrUserNotFound.Error())
	assert.NotErrorIs(t, ErrUserExists, ErrUserNotFound)
}
