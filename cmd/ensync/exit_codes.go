package main

import (
	"errors"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

type exitCoder interface {
	ExitCode() int
}

// Exit statuses beyond the generic 1.
const (
	exitAuth       = 3
	exitConnection = 4
)

// exitCodeForError maps an error to a process exit status. Release errors
// carry their own status; SDK errors are split by code.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeAuth:
		return exitAuth
	case apperrors.ErrCodeConnection, apperrors.ErrCodeTimeout:
		return exitConnection
	}
	return 1
}

// silentError reports whether the failure was already printed.
func silentError(err error) bool {
	var coded exitCoder
	return errors.As(err, &coded)
}
