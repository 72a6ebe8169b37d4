// Package prompt renders prompt templates by literal placeholder
// substitution. Placeholders use the {{Name}} form; there is no control
// flow and no escaping beyond substitution.
package prompt

import "strings"

// Well-known placeholder names used by the fusion and council templates.
const (
	PlaceholderRayCount   = "N"
	PlaceholderPrevOutput = "PrevStepOutput"
	PlaceholderYesAnswers = "YesAnswers"
	PlaceholderNoAnswers  = "NoAnswers"
	PlaceholderQuery      = "Query"
)

// Render substitutes every {{key}} occurrence in the template with its
// value. Unknown placeholders are left in place so a template author can
// spot them in output.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
