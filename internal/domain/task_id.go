package domain

import (
	"fmt"
	"regexp"
)

// TaskID identifies a task within a single DAG instance.
type TaskID string

var (
	// taskIDPattern allows letters, digits, dots, underscores and hyphens
	taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	maxTaskIDLength = 100
)

// NewTaskID creates a TaskID value object with validation
func NewTaskID(value string) (TaskID, error) {
	id := TaskID(value)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks if the task ID is valid
func (t TaskID) Validate() error {
	s := string(t)

	if s == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	if len(s) > maxTaskIDLength {
		return fmt.Errorf("task ID %q exceeds maximum length of %d characters", s, maxTaskIDLength)
	}

	if !taskIDPattern.MatchString(s) {
		return fmt.Errorf("task ID %q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", s)
	}

	return nil
}

// String returns the string representation
func (t TaskID) String() string {
	return string(t)
}
