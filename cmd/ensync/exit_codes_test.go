package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odvcencio/ensync/internal/release"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

func TestExitCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"release", fmt.Errorf("deploy: %w", &release.ExitError{Code: 1, Err: errors.New("no setup.py")}), 1},
		{"auth", apperrors.New(apperrors.ErrCodeAuth, "bad key"), exitAuth},
		{"connection", apperrors.New(apperrors.ErrCodeConnection, "refused"), exitConnection},
		{"timeout", apperrors.New(apperrors.ErrCodeTimeout, "slow"), exitConnection},
		{"invalid input", apperrors.New(apperrors.ErrCodeInvalidInput, "bad"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeForError(tt.err))
		})
	}
}
