package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy is a named, ordered chain of steps defining a workflow template.
// Steps are held in chain order: Steps[0] is the entry step and every
// Steps[i].DefaultNextStepID points at Steps[i+1] (empty on the last step).
type Strategy struct {
	ID          string
	Slug        string
	Name        string
	EntryStepID string
	Steps       []Step
	CreatedAt   time.Time
}

// Step is one node in a strategy's chain. Conditions, MinOutputs and
// MaxRetries are reserved columns: stored and surfaced but never evaluated.
type Step struct {
	ID                string
	StrategyID        string
	PluginID          string
	Plugin            Plugin
	Metadata          Metadata
	Conditions        Metadata
	DefaultNextStepID string
	MinOutputs        int
	MaxRetries        int
	Position          int
}

func (s Step) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step id is required")
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return errors.New("step strategy id is required")
	}
	if strings.TrimSpace(s.PluginID) == "" {
		return errors.New("step plugin id is required")
	}
	if s.MinOutputs < 0 {
		return errors.New("step min outputs must be >= 0")
	}
	if s.MaxRetries < 0 {
		return errors.New("step max retries must be >= 0")
	}
	return nil
}

func (s Strategy) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("strategy id is required")
	}
	if strings.TrimSpace(s.Slug) == "" {
		return errors.New("strategy slug is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("strategy name is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("strategy requires at least one step")
	}
	if strings.TrimSpace(s.EntryStepID) == "" {
		return errors.New("strategy entry step id is required")
	}
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
	}
	return s.validateChain()
}

func (s Strategy) validateChain() error {
	if s.Steps[0].ID != s.EntryStepID {
		return fmt.Errorf("entry step %s is not the first step", s.EntryStepID)
	}
	for i, step := range s.Steps {
		last := i == len(s.Steps)-1
		if last {
			if step.DefaultNextStepID != "" {
				return fmt.Errorf("terminal step %s has a next step", step.ID)
			}
			continue
		}
		if step.DefaultNextStepID != s.Steps[i+1].ID {
			return fmt.Errorf("step %s does not chain to %s", step.ID, s.Steps[i+1].ID)
		}
	}
	return nil
}

// ChainSteps orders a step set by walking DefaultNextStepID pointers from the
// entry step. It fails on dangling pointers, cycles and unreachable steps, so
// a strategy loaded from storage always yields a linear chain.
func ChainSteps(entryStepID string, steps []Step) ([]Step, error) {
	if strings.TrimSpace(entryStepID) == "" {
		return nil, errors.New("entry step id is required")
	}
	byID := make(map[string]Step, len(steps))
	for _, step := range steps {
		if _, dup := byID[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %s", step.ID)
		}
		byID[step.ID] = step
	}

	chain := make([]Step, 0, len(steps))
	seen := make(map[string]struct{}, len(steps))
	current := entryStepID
	for current != "" {
		if _, ok := seen[current]; ok {
			return nil, fmt.Errorf("step chain cycles at %s", current)
		}
		step, ok := byID[current]
		if !ok {
			return nil, fmt.Errorf("step chain references missing step %s", current)
		}
		seen[current] = struct{}{}
		chain = append(chain, step)
		current = step.DefaultNextStepID
	}
	if len(chain) != len(steps) {
		return nil, fmt.Errorf("step chain reaches %d of %d steps", len(chain), len(steps))
	}
	return chain, nil
}

// LinkChain assigns positions and wires DefaultNextStepID pointers through an
// ordered step list: each step points at its successor and the last step's
// pointer is cleared. Used by the catalog when creating a strategy.
func LinkChain(steps []Step) []Step {
	for i := range steps {
		steps[i].Position = i
		if i < len(steps)-1 {
			steps[i].DefaultNextStepID = steps[i+1].ID
		} else {
			steps[i].DefaultNextStepID = ""
		}
	}
	return steps
}
