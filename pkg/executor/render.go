package executor

import (
	"regexp"
	"strings"

	"github.com/threadswap/pushpilot/pkg/models"
)

// placeholderPattern matches {{field}} references in step templates.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// placeholders returns the distinct field names referenced by the step's
// title, body, and deep link templates.
func placeholders(step *models.PushStep) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, tmpl := range []string{step.Title, step.Body, step.DeepLink} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
			if !seen[match[1]] {
				seen[match[1]] = true
				fields = append(fields, match[1])
			}
		}
	}
	return fields
}

// missingPlaceholders reports template fields the artifact cannot
// resolve. Any missing field fails the step before rendering.
func missingPlaceholders(step *models.PushStep, artifact *models.AudienceArtifact) []string {
	var missing []string
	for _, field := range placeholders(step) {
		if field != "user_id" && !artifact.HasColumn(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

// renderTemplate substitutes {{field}} references with the row's values.
// Validation ran before rendering, so every reference resolves; an empty
// field value renders as an empty string.
func renderTemplate(tmpl string, row models.AudienceRow) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		if field == "user_id" {
			return row.UserID
		}
		return row.Fields[field]
	})
}
