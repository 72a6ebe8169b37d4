// Package fuse implements the gather side: fusions, their instruction
// pipelines, the factory catalog that produces them, and the engine that
// executes one fusion as a strictly ordered, cancellable chain of steps.
package fuse

import (
	"errors"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/beamd/internal/chat"
)

// Errors for fusion operations.
var (
	ErrFusionNotFound       = errors.New("fusion not found")
	ErrFactoryNotFound      = errors.New("unknown fusion factory")
	ErrNoInstructions       = errors.New("fusion has no instructions")
	ErrEmptyHistory         = errors.New("chat history is empty")
	ErrTooFewRays           = errors.New("need at least two ray messages to gather")
	ErrNoGatherModel        = errors.New("no gather model selected")
	ErrNotCustom            = errors.New("instructions are only editable on the custom fusion")
	ErrNoPendingChecklist   = errors.New("no checklist awaiting confirmation")
	ErrChecklistUnparseable = errors.New("could not recover at least two checklist items")
)

// InstructionType discriminates the closed set of pipeline step variants.
type InstructionType string

const (
	// TypeChatGenerate is a one-shot system/user prompt pair producing a
	// single streamed message.
	TypeChatGenerate InstructionType = "chat-generate"
	// TypeGather is structurally identical to chat-generate but folds the
	// full conversation plus ray pseudo-turns into the call.
	TypeGather InstructionType = "gather"
	// TypeChecklist is not a generation call: it parses the previous
	// step's output into a checklist and suspends until the user confirms.
	TypeChecklist InstructionType = "user-input-checklist"
)

// Instruction is one step of a fusion pipeline. Prompt templates use
// {{N}} for the ray count and {{PrevStepOutput}} for the carried value.
type Instruction struct {
	Type         InstructionType `json:"type"`
	Label        string          `json:"label"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	UserPrompt   string          `json:"user_prompt,omitempty"`
}

// Stage is the lifecycle state of one fusion.
type Stage string

const (
	StageIdle    Stage = "idle"
	StageFusing  Stage = "fusing"
	StageSuccess Stage = "success"
	StageStopped Stage = "stopped"
	StageError   Stage = "error"
)

// FactoryID identifies a catalog entry.
type FactoryID string

const (
	FactoryFuse   FactoryID = "fuse"
	FactoryGuided FactoryID = "guided"
	FactoryEval   FactoryID = "eval"
	FactoryCustom FactoryID = "custom"
)

// Fusion is one configured gather attempt. Instructions are immutable
// except on the custom fusion. OutputMessage becomes the externally
// visible result once Stage leaves fusing.
type Fusion struct {
	ID            string        `json:"id"`
	FactoryID     FactoryID     `json:"factory_id"`
	Instructions  []Instruction `json:"instructions"`
	Stage         Stage         `json:"stage"`
	OutputMessage chat.Message  `json:"output_message"`
	Error         string        `json:"error,omitempty"`
}

func newFusion(factoryID FactoryID, instructions []Instruction) Fusion {
	return Fusion{
		ID:           uuid.New().String(),
		FactoryID:    factoryID,
		Instructions: instructions,
		Stage:        StageIdle,
	}
}

// cloneInstructions returns an independently mutable copy.
func cloneInstructions(in []Instruction) []Instruction {
	out := make([]Instruction, len(in))
	copy(out, in)
	return out
}
