package models

// AudienceRow is one user in an audience artifact: the user id plus the
// personalization fields available to {{field}} placeholders.
type AudienceRow struct {
	UserID string
	Fields map[string]string
}

// AudienceArtifact is the materialized audience for a single sequence
// step. Lifetime is the duration of one firing.
type AudienceArtifact struct {
	StepOrder int
	Name      string // artifact file name (for logging)
	Columns   []string
	Rows      []AudienceRow
}

// HasColumn reports whether the artifact carries the named
// personalization column.
func (a *AudienceArtifact) HasColumn(name string) bool {
	for _, c := range a.Columns {
		if c == name {
			return true
		}
	}
	return false
}
