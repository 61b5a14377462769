package audience

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
)

// Ordered audience categories. Step sequence order N maps to the Nth
// entry of the list for the recipe's audience family.
var (
	layer3Categories = []string{
		"offer-creators",
		"closet-adders",
		"wishlist-adders",
	}
	newUserCategories = []string{
		"no-shoes-new-user",
		"no-bio-new-user",
		"no-offers-new-user",
		"no-wishlist-new-user",
		"new-stars-new-user",
	}
)

// Test artifact markers differ between audience families.
const (
	layer3TestMarker  = "TEST"
	newUserTestMarker = "test"
)

// AnalyticsQuerier resolves inline audience criteria against the
// analytics warehouse. Implementations must return at least a user_id
// per row.
type AnalyticsQuerier interface {
	QueryAudience(ctx context.Context, filter map[string]string) ([]models.AudienceRow, error)
}

// Materializer produces per-step audience artifacts for a firing by
// running the recipe's audience script and collecting the files it
// wrote, or by querying analytics for inline criteria.
type Materializer struct {
	scriptDir     string
	artifactDir   string
	scriptTimeout time.Duration
	analytics     AnalyticsQuerier
}

// New creates a Materializer. analytics may be nil when no recipes use
// inline criteria. A zero timeout selects the default.
func New(scriptDir, artifactDir string, analytics AnalyticsQuerier, scriptTimeout time.Duration) *Materializer {
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultScriptTimeout
	}
	return &Materializer{
		scriptDir:     scriptDir,
		artifactDir:   artifactDir,
		scriptTimeout: scriptTimeout,
		analytics:     analytics,
	}
}

// Materialize builds one artifact per recipe step. testMode selects the
// test-audience artifacts regardless of which steps the recipe carries.
func (m *Materializer) Materialize(ctx context.Context, rec *models.Recipe, testMode bool, em *events.Emitter) ([]*models.AudienceArtifact, error) {
	testMode = testMode || rec.Audience.TestMode

	if rec.Audience.ScriptName == "" {
		return m.materializeInline(ctx, rec, em)
	}

	if err := sanitizeScriptName(rec.Audience.ScriptName); err != nil {
		return nil, err
	}
	if err := m.runScript(ctx, rec.Audience.ScriptName, rec.Audience.ScriptParams, em); err != nil {
		return nil, err
	}

	family := audienceFamily(rec)
	artifacts := make([]*models.AudienceArtifact, 0, len(rec.PushSequence))
	for i := range rec.PushSequence {
		step := &rec.PushSequence[i]
		path, category, err := m.selectArtifact(rec, step, family, testMode)
		if err != nil {
			return nil, err
		}
		artifact, err := readArtifact(path, step.SequenceOrder, category)
		if err != nil {
			return nil, err
		}
		em.Emit(events.LevelInfo, events.StageScript,
			fmt.Sprintf("step %d: artifact %s (%d rows)", step.SequenceOrder, filepath.Base(path), len(artifact.Rows)))
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (m *Materializer) materializeInline(ctx context.Context, rec *models.Recipe, em *events.Emitter) ([]*models.AudienceArtifact, error) {
	if m.analytics == nil {
		return nil, &MaterializationError{Reason: "recipe has inline criteria but no analytics backend is configured"}
	}
	rows, err := m.analytics.QueryAudience(ctx, rec.Audience.InlineFilter)
	if err != nil {
		return nil, &MaterializationError{Reason: "inline audience query", Err: err}
	}
	em.Emit(events.LevelInfo, events.StageScript,
		fmt.Sprintf("inline audience query returned %d rows", len(rows)))

	columns := columnsOf(rows)
	artifacts := make([]*models.AudienceArtifact, 0, len(rec.PushSequence))
	for i := range rec.PushSequence {
		artifacts = append(artifacts, &models.AudienceArtifact{
			StepOrder: rec.PushSequence[i].SequenceOrder,
			Name:      "inline",
			Columns:   columns,
			Rows:      rows,
		})
	}
	return artifacts, nil
}

type family int

const (
	familyLayer3 family = iota
	familyNewUser
)

// audienceFamily picks the artifact naming family. New-user waterfall
// recipes are recognized by their script name; everything else follows
// the layer-3 convention.
func audienceFamily(rec *models.Recipe) family {
	name := strings.ToLower(rec.Audience.ScriptName)
	if strings.Contains(name, "new-user") || strings.Contains(name, "new_user") {
		return familyNewUser
	}
	return familyLayer3
}

// selectArtifact resolves the newest-modified artifact file matching the
// step's category pattern. A step-level audience name overrides the
// category mapping.
func (m *Materializer) selectArtifact(rec *models.Recipe, step *models.PushStep, fam family, testMode bool) (string, string, error) {
	var category, marker string
	switch fam {
	case familyNewUser:
		marker = newUserTestMarker
		if step.SequenceOrder > len(newUserCategories) {
			return "", "", &MaterializationError{
				Reason: fmt.Sprintf("step %d has no audience category (max %d)", step.SequenceOrder, len(newUserCategories)),
			}
		}
		category = newUserCategories[step.SequenceOrder-1]
	default:
		marker = layer3TestMarker
		if step.SequenceOrder > len(layer3Categories) {
			return "", "", &MaterializationError{
				Reason: fmt.Sprintf("step %d has no audience category (max %d)", step.SequenceOrder, len(layer3Categories)),
			}
		}
		category = layer3Categories[step.SequenceOrder-1]
	}
	if step.AudienceName != "" {
		category = step.AudienceName
	}

	entries, err := os.ReadDir(m.artifactDir)
	if err != nil {
		return "", "", &MaterializationError{Reason: "reading artifact directory", Err: err}
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		if !strings.Contains(name, category) {
			continue
		}
		if strings.Contains(name, marker) != testMode {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = name
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", "", &MaterializationError{
			Reason: fmt.Sprintf("no artifact for recipe %s step %d category %q (testMode=%t)", rec.ID, step.SequenceOrder, category, testMode),
		}
	}
	return filepath.Join(m.artifactDir, newest), category, nil
}

// readArtifact parses a CSV artifact. The header must carry a user_id
// column; every other column becomes a personalization field.
func readArtifact(path string, stepOrder int, category string) (*models.AudienceArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &MaterializationError{Reason: "opening artifact " + filepath.Base(path), Err: err}
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, &MaterializationError{Reason: "reading artifact header " + filepath.Base(path), Err: err}
	}
	userIdx := -1
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
		if header[i] == "user_id" {
			userIdx = i
		}
	}
	if userIdx < 0 {
		return nil, &MaterializationError{
			Reason: fmt.Sprintf("artifact %s has no user_id column", filepath.Base(path)),
		}
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, &MaterializationError{Reason: "reading artifact rows " + filepath.Base(path), Err: err}
	}

	rows := make([]models.AudienceRow, 0, len(records))
	for _, record := range records {
		if userIdx >= len(record) || strings.TrimSpace(record[userIdx]) == "" {
			continue
		}
		row := models.AudienceRow{
			UserID: strings.TrimSpace(record[userIdx]),
			Fields: make(map[string]string, len(header)-1),
		}
		for i, col := range header {
			if i == userIdx || i >= len(record) {
				continue
			}
			row.Fields[col] = record[i]
		}
		rows = append(rows, row)
	}

	return &models.AudienceArtifact{
		StepOrder: stepOrder,
		Name:      category,
		Columns:   header,
		Rows:      rows,
	}, nil
}

func columnsOf(rows []models.AudienceRow) []string {
	seen := map[string]bool{"user_id": true}
	columns := []string{"user_id"}
	for _, row := range rows {
		for _, k := range sortedKeys(row.Fields) {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	return columns
}
