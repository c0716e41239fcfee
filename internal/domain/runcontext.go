package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// RunContext is the mutable per-run document: caller metadata, the origin
// address results are delivered to, and the step sequence materialized from
// the strategy at trigger time. Only Output fields change after creation.
type RunContext struct {
	PlaylistID string          `json:"playlist_id"`
	Metadata   json.RawMessage `json:"metadata"`
	Origin     string          `json:"origin"`
	Sequence   []SequenceStep  `json:"sequence"`
}

// SequenceStep is a strategy step copied into a run, with the plugin address
// resolved at trigger time and room for the step's eventual output.
type SequenceStep struct {
	StepID     string          `json:"step_id"`
	PluginID   string          `json:"plugin_id"`
	PluginSlug string          `json:"plugin_slug"`
	PluginHost string          `json:"plugin_host"`
	PluginPort int             `json:"plugin_port"`
	Metadata   Metadata        `json:"metadata,omitempty"`
	Conditions Metadata        `json:"conditions,omitempty"`
	NextStepID string          `json:"next_step_id,omitempty"`
	MinOutputs int             `json:"min_outputs"`
	MaxRetries int             `json:"max_retries"`
	Output     json.RawMessage `json:"output,omitempty"`
}

func (c RunContext) Validate() error {
	if strings.TrimSpace(c.PlaylistID) == "" {
		return errors.New("run context playlist id is required")
	}
	if len(c.Sequence) == 0 {
		return errors.New("run context requires a step sequence")
	}
	for i, step := range c.Sequence {
		if strings.TrimSpace(step.StepID) == "" {
			return errors.New("run context sequence step id is required")
		}
		if strings.TrimSpace(step.PluginHost) == "" {
			return errors.New("run context sequence plugin host is required")
		}
		if step.PluginPort < 1 || step.PluginPort > 65535 {
			return errors.New("run context sequence plugin port out of range")
		}
		last := i == len(c.Sequence)-1
		if last && step.NextStepID != "" {
			return errors.New("run context terminal step has a next step")
		}
	}
	return nil
}

// StepIndex locates the sequence element with the given step id, -1 if absent.
func (c RunContext) StepIndex(stepID string) int {
	stepID = strings.TrimSpace(stepID)
	if stepID == "" {
		return -1
	}
	for i, step := range c.Sequence {
		if step.StepID == stepID {
			return i
		}
	}
	return -1
}

// MaterializeSequence copies a strategy's chain into a run-owned sequence.
// The copy is structural: later edits to the strategy never reach the run.
func MaterializeSequence(strategy Strategy) []SequenceStep {
	sequence := make([]SequenceStep, 0, len(strategy.Steps))
	for _, step := range strategy.Steps {
		sequence = append(sequence, SequenceStep{
			StepID:     step.ID,
			PluginID:   step.PluginID,
			PluginSlug: step.Plugin.Slug,
			PluginHost: step.Plugin.Host,
			PluginPort: step.Plugin.Port,
			Metadata:   step.Metadata.Clone(),
			Conditions: step.Conditions.Clone(),
			NextStepID: step.DefaultNextStepID,
			MinOutputs: step.MinOutputs,
			MaxRetries: step.MaxRetries,
		})
	}
	return sequence
}

// NewRunContext builds the context document created alongside a playlist.
func NewRunContext(playlistID string, metadata json.RawMessage, origin string, strategy Strategy) RunContext {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return RunContext{
		PlaylistID: strings.TrimSpace(playlistID),
		Metadata:   metadata,
		Origin:     strings.TrimSpace(origin),
		Sequence:   MaterializeSequence(strategy),
	}
}
