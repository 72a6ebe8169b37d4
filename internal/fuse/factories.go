package fuse

// Factory is one catalog entry: a named merge strategy whose Build
// function returns a fresh, canonical instruction list on every call.
type Factory struct {
	ID          FactoryID `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	// Editable marks the one factory whose instructions the user may
	// rewrite at runtime.
	Editable bool `json:"editable"`
	Build    func() []Instruction `json:"-"`
}

const (
	fuseSystemPrompt = `You are an expert editor synthesizing multiple AI answers into one.
You will see the conversation so far and {{N}} independent answers to the
final user message. Write a single, coherent answer that merges the
strongest content from all of them. Do not mention the individual answers
or that a merge happened.`

	fuseUserPrompt = `Merge the {{N}} answers above into one best answer to my last message.`

	guidedChecklistSystemPrompt = `You are an analyst comparing {{N}} AI answers to the same question.
Identify the discrete decision points where the answers disagree or offer
optional content. Output ONLY a markdown checklist, one line per decision,
in the form "- [ ] short description". Produce between 3 and 10 items.`

	guidedChecklistUserPrompt = `List the decision points across the {{N}} answers above as a checklist.`

	guidedFinalSystemPrompt = `You are an expert editor synthesizing multiple AI answers into one.
The user reviewed the differences between the {{N}} answers and made the
choices below. Honor every choice: include what was selected, leave out
what was not.

{{PrevStepOutput}}`

	guidedFinalUserPrompt = `Write the final merged answer to my last message, honoring my checklist choices.`

	evalSystemPrompt = `You are an impartial evaluator of {{N}} AI answers to the same question.
Produce a markdown comparison table: one row per answer, with columns for
accuracy, completeness, clarity, and notable strengths or weaknesses.
After the table, add a short verdict naming the best answer and why.`

	evalUserPrompt = `Compare the {{N}} answers above in a table, then give your verdict.`
)

// catalog is the static, ordered strategy list. Builders construct fresh
// slices so repeated runs always start from the canonical prompts.
var catalog = []Factory{
	{
		ID:          FactoryFuse,
		Label:       "Fuse",
		Description: "Merge all answers into a single best answer in one pass.",
		Build: func() []Instruction {
			return []Instruction{
				{
					Type:         TypeGather,
					Label:        "Fusing answers",
					SystemPrompt: fuseSystemPrompt,
					UserPrompt:   fuseUserPrompt,
				},
			}
		},
	},
	{
		ID:          FactoryGuided,
		Label:       "Guided fuse",
		Description: "Extract the decision points, let the user pick, then merge honoring the choices.",
		Build: func() []Instruction {
			return []Instruction{
				{
					Type:         TypeChatGenerate,
					Label:        "Identifying decision points",
					SystemPrompt: guidedChecklistSystemPrompt,
					UserPrompt:   guidedChecklistUserPrompt,
				},
				{
					Type:  TypeChecklist,
					Label: "Waiting for your choices",
				},
				{
					Type:         TypeGather,
					Label:        "Writing the final answer",
					SystemPrompt: guidedFinalSystemPrompt,
					UserPrompt:   guidedFinalUserPrompt,
				},
			}
		},
	},
	{
		ID:          FactoryEval,
		Label:       "Compare",
		Description: "Build a comparison table of the answers instead of merging them.",
		Build: func() []Instruction {
			return []Instruction{
				{
					Type:         TypeChatGenerate,
					Label:        "Comparing answers",
					SystemPrompt: evalSystemPrompt,
					UserPrompt:   evalUserPrompt,
				},
			}
		},
	},
	{
		ID:          FactoryCustom,
		Label:       "Custom",
		Description: "A user-editable pipeline, pre-filled with the fuse prompts.",
		Editable:    true,
		Build: func() []Instruction {
			return []Instruction{
				{
					Type:         TypeGather,
					Label:        "Custom merge",
					SystemPrompt: fuseSystemPrompt,
					UserPrompt:   fuseUserPrompt,
				},
			}
		},
	},
}

// Factories returns the ordered strategy catalog.
func Factories() []Factory {
	out := make([]Factory, len(catalog))
	copy(out, catalog)
	return out
}

// FactoryByID looks up a catalog entry.
func FactoryByID(id FactoryID) (Factory, bool) {
	for _, f := range catalog {
		if f.ID == id {
			return f, true
		}
	}
	return Factory{}, false
}
