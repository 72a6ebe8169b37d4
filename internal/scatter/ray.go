// Package scatter implements the ray engine: a set of independent
// generation slots ("rays"), each bound to one model, each independently
// startable and stoppable, all able to stream concurrently.
package scatter

import (
	"errors"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/beamd/internal/chat"
)

// Errors for ray operations.
var (
	ErrRayNotFound = errors.New("ray not found")
	ErrNoModel     = errors.New("no model selected")
	ErrRayBusy     = errors.New("ray is scattering")
)

// Status is the lifecycle state of one ray.
//
// State machine: empty -> scattering -> {success|stopped|error}. Any
// terminal state re-enters scattering on a retry. There is no way back to
// empty short of recreating the ray.
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusScattering Status = "scattering"
	StatusSuccess    Status = "success"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusStopped || s == StatusError
}

// Ray is the externally visible snapshot of one scatter slot. Snapshots
// are value copies; mutating one never touches engine state.
type Ray struct {
	ID           string       `json:"id"`
	Status       Status       `json:"status"`
	ModelID      string       `json:"model_id,omitempty"`
	Message      chat.Message `json:"message"`
	UserSelected bool         `json:"user_selected,omitempty"`
	Imported     bool         `json:"imported,omitempty"`
	Issue        string       `json:"issue,omitempty"`
}

// HasContent reports whether the ray carries any generated text.
func (r Ray) HasContent() bool {
	return r.Message.Text != ""
}

func newRay(modelID string) Ray {
	return Ray{
		ID:      uuid.New().String(),
		Status:  StatusEmpty,
		ModelID: modelID,
	}
}

// Snapshot is a copy-on-write view of the whole engine, published on every
// mutation.
type Snapshot struct {
	Rays []Ray `json:"rays"`
	// IsScattering is true while any ray is streaming.
	IsScattering bool `json:"is_scattering"`
	// RaysReady counts rays whose message has any content; it gates
	// gather availability.
	RaysReady int `json:"rays_ready"`
}
