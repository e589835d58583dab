package domain

import (
	"strings"
	"testing"
)

func TestNewTaskID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "simple", value: "task-001"},
		{name: "dotted", value: "fetch.repo"},
		{name: "underscore", value: "read_file_1"},
		{name: "starts with digit", value: "1st"},
		{name: "empty", value: "", wantErr: true},
		{name: "starts with hyphen", value: "-task", wantErr: true},
		{name: "contains space", value: "read file", wantErr: true},
		{name: "contains colon", value: "fs:read", wantErr: true},
		{name: "too long", value: strings.Repeat("a", 101), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewTaskID(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTaskID(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && id.String() != tt.value {
				t.Errorf("String() = %q, want %q", id.String(), tt.value)
			}
		})
	}
}
