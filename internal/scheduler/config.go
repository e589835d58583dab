package scheduler

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/loom/internal/workflow"
)

// DecisionPolicy selects when a workflow stops for a decision.
type DecisionPolicy string

const (
	DecideNever      DecisionPolicy = "never"
	DecideEveryLayer DecisionPolicy = "every_layer"
	DecideOnError    DecisionPolicy = "on_error"
)

// Config tunes one scheduler.
type Config struct {
	// DecisionPoints selects when to wait for a Decide command after a layer.
	DecisionPoints DecisionPolicy `mapstructure:"decision_points"`
	// DecisionTimeout bounds a decision wait; zero waits indefinitely.
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	// DecisionDefault is applied when a decision times out.
	DecisionDefault workflow.Action `mapstructure:"decision_default"`
	// CheckpointPause waits for a Resume command after every layer.
	CheckpointPause bool `mapstructure:"checkpoint_pause"`
	// TaskTimeout bounds each task invocation.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// EventBuffer is the capacity of the event channel.
	EventBuffer int `mapstructure:"event_buffer"`
	// MaxParallel caps concurrent tasks within a layer; zero is unbounded.
	MaxParallel int `mapstructure:"max_parallel"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		DecisionPoints:  DecideNever,
		DecisionTimeout: 60 * time.Second,
		DecisionDefault: workflow.ActionContinue,
		TaskTimeout:     30 * time.Second,
		EventBuffer:     64,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.DecisionPoints {
	case DecideNever, DecideEveryLayer, DecideOnError:
	default:
		return fmt.Errorf("unknown decision policy %q", c.DecisionPoints)
	}
	if c.DecisionDefault == workflow.ActionReplan {
		return fmt.Errorf("decision default cannot be replan")
	}
	if _, err := workflow.ParseAction(string(c.DecisionDefault)); err != nil {
		return err
	}
	if c.DecisionTimeout < 0 || c.TaskTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.EventBuffer < 0 || c.MaxParallel < 0 {
		return fmt.Errorf("event buffer and max parallel must not be negative")
	}
	return nil
}

func (c Config) decisionDue(failed bool) bool {
	switch c.DecisionPoints {
	case DecideEveryLayer:
		return true
	case DecideOnError:
		return failed
	}
	return false
}
