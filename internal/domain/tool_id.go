package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// ToolID identifies an externally callable tool, namespaced as "server:tool".
type ToolID string

// NewToolID creates a ToolID value object with validation
func NewToolID(value string) (ToolID, error) {
	id := ToolID(value)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// MustToolID is like NewToolID but panics on invalid input. Intended for tests and constants.
func MustToolID(value string) ToolID {
	id, err := NewToolID(value)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks the server:tool shape
func (t ToolID) Validate() error {
	s := string(t)
	if s == "" {
		return fmt.Errorf("tool ID cannot be empty")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return fmt.Errorf("tool ID %q cannot contain whitespace", s)
	}

	server, name, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("tool ID %q must be namespaced as server:tool", s)
	}
	if server == "" || name == "" {
		return fmt.Errorf("tool ID %q has an empty server or tool part", s)
	}
	return nil
}

// Server returns the namespace part
func (t ToolID) Server() string {
	server, _, _ := strings.Cut(string(t), ":")
	return server
}

// Name returns the tool part, or the whole ID when it is not namespaced
func (t ToolID) Name() string {
	_, name, ok := strings.Cut(string(t), ":")
	if !ok {
		return string(t)
	}
	return name
}

// String returns the string representation
func (t ToolID) String() string {
	return string(t)
}
