package models

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError describes a single invariant breach on a recipe field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidationErrors aggregates all invariant breaches found on a recipe so
// the API can report them in one response.
type ValidationErrors []*ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Messages returns the individual error strings for API envelopes.
func (ve ValidationErrors) Messages() []string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return msgs
}

// Validate checks the recipe invariants. rootHost is the configured
// deep-link root host; now anchors the "start date not in the past" check.
// Returns nil when the recipe is valid.
func (r *Recipe) Validate(rootHost string, now time.Time) error {
	var errs ValidationErrors

	if r.Name == "" {
		errs = append(errs, &ValidationError{Field: "name", Message: "required"})
	}
	if r.Type != RecipeTypeSinglePush && r.Type != RecipeTypeScriptBased {
		errs = append(errs, &ValidationError{Field: "type",
			Message: fmt.Sprintf("unknown recipe type %q", r.Type)})
	}

	errs = append(errs, r.validateSchedule(now)...)
	errs = append(errs, r.validateSequence(rootHost)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (r *Recipe) validateSchedule(now time.Time) ValidationErrors {
	var errs ValidationErrors
	s := r.Schedule

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		errs = append(errs, &ValidationError{Field: "schedule.timezone",
			Message: fmt.Sprintf("unknown IANA timezone %q", s.Timezone)})
		return errs
	}

	switch s.Frequency {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly:
	default:
		errs = append(errs, &ValidationError{Field: "schedule.frequency",
			Message: fmt.Sprintf("unknown frequency %q", s.Frequency)})
	}

	execMinutes, err := parseExecutionTime(s.ExecutionTime)
	if err != nil {
		errs = append(errs, &ValidationError{Field: "schedule.executionTime", Message: err.Error()})
	} else if s.LeadTimeMinutes > execMinutes {
		// Pre-send would fall before the local day starts.
		errs = append(errs, &ValidationError{Field: "schedule.leadTimeMinutes",
			Message: fmt.Sprintf("lead time %dm puts pre-send before midnight for execution time %s",
				s.LeadTimeMinutes, s.ExecutionTime)})
	}

	if s.Frequency == FrequencyOnce {
		if s.StartDate == "" {
			errs = append(errs, &ValidationError{Field: "schedule.startDate",
				Message: "required when frequency is once"})
		} else if start, err := time.ParseInLocation("2006-01-02", s.StartDate, loc); err != nil {
			errs = append(errs, &ValidationError{Field: "schedule.startDate",
				Message: fmt.Sprintf("invalid date %q", s.StartDate)})
		} else {
			localNow := now.In(loc)
			today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
			if start.Before(today) {
				errs = append(errs, &ValidationError{Field: "schedule.startDate",
					Message: "must be today or later in the recipe timezone"})
			}
		}
	} else if s.StartDate != "" {
		if _, err := time.ParseInLocation("2006-01-02", s.StartDate, loc); err != nil {
			errs = append(errs, &ValidationError{Field: "schedule.startDate",
				Message: fmt.Sprintf("invalid date %q", s.StartDate)})
		}
	}
	if s.EndDate != "" {
		if _, err := time.ParseInLocation("2006-01-02", s.EndDate, loc); err != nil {
			errs = append(errs, &ValidationError{Field: "schedule.endDate",
				Message: fmt.Sprintf("invalid date %q", s.EndDate)})
		}
	}

	return errs
}

func (r *Recipe) validateSequence(rootHost string) ValidationErrors {
	var errs ValidationErrors

	if len(r.PushSequence) == 0 {
		errs = append(errs, &ValidationError{Field: "pushSequence",
			Message: "at least one step is required"})
		return errs
	}

	for i, step := range r.PushSequence {
		field := fmt.Sprintf("pushSequence[%d]", i)
		if step.SequenceOrder != i+1 {
			errs = append(errs, &ValidationError{Field: field + ".sequenceOrder",
				Message: fmt.Sprintf("orders must be contiguous 1..N, got %d at position %d",
					step.SequenceOrder, i+1)})
		}
		if step.LayerID < 1 || step.LayerID > 5 {
			errs = append(errs, &ValidationError{Field: field + ".layerId",
				Message: fmt.Sprintf("layer id must be 1-5, got %d", step.LayerID)})
		}
		if step.Title == "" {
			errs = append(errs, &ValidationError{Field: field + ".title", Message: "required"})
		}
		if step.Body == "" {
			errs = append(errs, &ValidationError{Field: field + ".body", Message: "required"})
		}
		if step.Timing.DelayAfterPrevious < 0 {
			errs = append(errs, &ValidationError{Field: field + ".timing.delayAfterPrevious",
				Message: "must not be negative"})
		}
		if step.DeepLink != "" {
			if err := validateDeepLink(step.DeepLink, rootHost); err != nil {
				errs = append(errs, &ValidationError{Field: field + ".deepLink", Message: err.Error()})
			}
		}
	}

	return errs
}

// validateDeepLink enforces the host whitelist: the link host must equal
// the root host or be one of its sub-domains.
func validateDeepLink(link, rootHost string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("not a valid URL: %v", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host in %q", link)
	}
	if host == rootHost || strings.HasSuffix(host, "."+rootHost) {
		return nil
	}
	return fmt.Errorf("host %q is outside the allowed root host %q", host, rootHost)
}

// parseExecutionTime parses "HH:MM" and returns minutes from midnight.
func parseExecutionTime(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("execution time must be HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// ExecutionTimeMinutes exposes the parsed execution time for the timeline
// calculator. Returns an error for malformed values.
func (s Schedule) ExecutionTimeMinutes() (int, error) {
	return parseExecutionTime(s.ExecutionTime)
}
