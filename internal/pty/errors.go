package pty

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidSessionID     = errors.New("PTY session id cannot be empty")
	ErrInvalidWorkDir       = errors.New("invalid working directory")
	ErrResumeTargetNotFound = errors.New("resume target not found")
	ErrNotFound             = errors.New("PTY session not found")
	ErrSpawn                = errors.New("failed to start PTY")
)

func validateWorkDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: working directory cannot be empty", ErrInvalidWorkDir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: working directory does not exist: %s", ErrInvalidWorkDir, dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: working directory is not a directory: %s", ErrInvalidWorkDir, dir)
	}
	return nil
}

func notFound(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}
