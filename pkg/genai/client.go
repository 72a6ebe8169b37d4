// Package genai defines the streaming generation boundary consumed by the
// orchestration engines, plus a langchaingo-backed implementation.
//
// The core only depends on the Client contract: one call per generation,
// cumulative text deltas through OnDelta, and a terminal Result describing
// how the stream settled. Everything about the wire protocol lives behind
// this boundary.
package genai

import (
	"context"
	"errors"
	"fmt"
)

// Errors for generation requests.
var (
	// ErrNoModel indicates a generation request without a model id.
	ErrNoModel = errors.New("no model id specified")

	// ErrNoMessages indicates a generation request with an empty prompt.
	ErrNoMessages = errors.New("no messages to send")
)

// Outcome describes how a generation stream settled.
type Outcome string

const (
	// OutcomeSuccess means the stream completed normally.
	OutcomeSuccess Outcome = "success"
	// OutcomeAborted means the stream was cancelled cooperatively.
	OutcomeAborted Outcome = "aborted"
	// OutcomeErrored means the stream failed.
	OutcomeErrored Outcome = "errored"
)

// Message is one turn of generation input. Role is one of "system",
// "user", or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one incremental update from a running stream. Text carries the
// cumulative text-so-far, not a per-token fragment; Typing signals that
// the model is still producing output even when no new text arrived.
type Delta struct {
	Text   string
	Typing bool
}

// DeltaFunc receives incremental updates. Deltas for one stream are
// delivered in arrival order from a single goroutine.
type DeltaFunc func(Delta)

// Result describes the terminal state of a generation stream.
type Result struct {
	Outcome      Outcome
	ErrorMessage string
}

// Client issues one streaming generation call. Implementations must
// observe ctx cancellation and settle with OutcomeAborted when it fires.
type Client interface {
	Generate(ctx context.Context, modelID string, messages []Message, onDelta DeltaFunc) (*Result, error)
}

// ResultFromError classifies a transport error into a Result, mapping
// context cancellation to OutcomeAborted.
func ResultFromError(ctx context.Context, err error) *Result {
	if err == nil {
		return &Result{Outcome: OutcomeSuccess}
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Result{Outcome: OutcomeAborted}
	}
	return &Result{
		Outcome:      OutcomeErrored,
		ErrorMessage: fmt.Sprintf("generation failed: %v", err),
	}
}
