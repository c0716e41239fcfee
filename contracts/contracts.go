// Package contracts holds the wire types shared by the orchestrator, its
// workers and the origins results are delivered to. Outer request shapes are
// frozen; evolving detail travels inside the version-tagged envelope carried
// as an opaque JSON string in the Payload field.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Procedure paths served by workers and origins.
const (
	ProcedurePerformTask = "/tasks:perform"
	ProcedureDeliver     = "/results:deliver"
)

// EnvelopeVersion tags the inner payload schema.
const EnvelopeVersion = "v1"

type TriggerRequest struct {
	StrategySlug string `json:"strategy_slug"`
	Context      string `json:"context,omitempty"`
	Origin       string `json:"origin"`
}

type TriggerResponse struct {
	PlaylistSlug string `json:"playlist_slug"`
	Status       string `json:"status"`
}

type SegueRequest struct {
	Output string `json:"output"`
}

type SegueResponse struct {
	Success bool `json:"success"`
}

type CrashRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PerformTaskRequest struct {
	Payload string `json:"payload"`
}

type PerformTaskResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

type DeliverRequest struct {
	Payload string `json:"payload"`
}

type DeliverResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
}

// PlaylistSnapshot is the externally visible view of a run. Internal row ids
// never appear here; the slug is the only run identifier on the wire.
type PlaylistSnapshot struct {
	PlaylistSlug  string    `json:"playlist_slug"`
	StrategySlug  string    `json:"strategy_slug,omitempty"`
	Status        string    `json:"status"`
	CurrentStepID string    `json:"current_step_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SequenceStepSnapshot struct {
	StepID     string          `json:"step_id"`
	PluginSlug string          `json:"plugin_slug"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	NextStepID string          `json:"next_step_id,omitempty"`
	MinOutputs int             `json:"min_outputs"`
	MaxRetries int             `json:"max_retries"`
	Output     json.RawMessage `json:"output,omitempty"`
}

type ContextSnapshot struct {
	Metadata json.RawMessage        `json:"metadata"`
	Origin   string                 `json:"origin"`
	Sequence []SequenceStepSnapshot `json:"sequence"`
}

// TaskEnvelope is the inner payload of a PerformTask call: the playlist and
// context snapshots, the callback URL the worker reports its segue to, and a
// playlist-scoped bearer token authorizing that callback.
type TaskEnvelope struct {
	Version  string           `json:"version"`
	Playlist PlaylistSnapshot `json:"playlist"`
	Context  ContextSnapshot  `json:"context"`
	Step     string           `json:"step"`
	Callback string           `json:"callback"`
	Token    string           `json:"token,omitempty"`
}

// DeliveryEnvelope is the inner payload of a Deliver call.
type DeliveryEnvelope struct {
	Version  string           `json:"version"`
	Playlist PlaylistSnapshot `json:"playlist"`
	Context  ContextSnapshot  `json:"context"`
}

func EncodeTaskEnvelope(envelope TaskEnvelope) (string, error) {
	if strings.TrimSpace(envelope.Version) == "" {
		envelope.Version = EnvelopeVersion
	}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode task envelope: %w", err)
	}
	return string(blob), nil
}

func DecodeTaskEnvelope(payload string) (TaskEnvelope, error) {
	var envelope TaskEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return TaskEnvelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	if envelope.Version != EnvelopeVersion {
		return TaskEnvelope{}, fmt.Errorf("unsupported envelope version %q", envelope.Version)
	}
	return envelope, nil
}

func EncodeDeliveryEnvelope(envelope DeliveryEnvelope) (string, error) {
	if strings.TrimSpace(envelope.Version) == "" {
		envelope.Version = EnvelopeVersion
	}
	blob, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode delivery envelope: %w", err)
	}
	return string(blob), nil
}

func DecodeDeliveryEnvelope(payload string) (DeliveryEnvelope, error) {
	var envelope DeliveryEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return DeliveryEnvelope{}, fmt.Errorf("decode delivery envelope: %w", err)
	}
	if envelope.Version != EnvelopeVersion {
		return DeliveryEnvelope{}, fmt.Errorf("unsupported envelope version %q", envelope.Version)
	}
	return envelope, nil
}
