// Package trigger matches contact events and time ticks against active
// workflow triggers and enqueues the resulting executions.
package trigger

import (
	"fmt"

	"github.com/dukex/crmflow/pkg/models"
)

// Match is a positive trigger evaluation.
type Match struct {
	Description string
	Details     map[string]any
}

// MatchEvent applies the trigger's rule to a contact event. Score triggers
// match only when the event crosses the threshold.
func MatchEvent(trigger models.Trigger, event models.ContactEvent) (Match, bool) {
	eventTrigger, ok := event.EventType.TriggerType()
	if !ok || eventTrigger != trigger.Type {
		return Match{}, false
	}

	switch config := trigger.Config.(type) {
	case models.ScoreChangeConfig:
		return matchScore(config, event)
	case models.StatusChangeConfig:
		return matchStatus(config, event)
	case models.TagAddedConfig:
		return matchTag(config.TagName, "added", event)
	case models.TagRemovedConfig:
		return matchTag(config.TagName, "removed", event)
	case models.FederationStatusConfig:
		return matchFederation(config, event)
	default:
		return Match{}, false
	}
}

func matchScore(config models.ScoreChangeConfig, event models.ContactEvent) (Match, bool) {
	oldScore, okOld := models.ToFloat(event.OldValue)
	newScore, okNew := models.ToFloat(event.NewValue)

	if !okOld || !okNew {
		return Match{}, false
	}

	var crossed bool

	switch config.Direction {
	case models.ScoreAbove:
		crossed = newScore > config.Threshold && oldScore <= config.Threshold
	case models.ScoreBelow:
		crossed = newScore < config.Threshold && oldScore >= config.Threshold
	case models.ScoreEquals:
		crossed = newScore == config.Threshold && oldScore != config.Threshold
	}

	if !crossed {
		return Match{}, false
	}

	return Match{
		Description: fmt.Sprintf("Score moved %s %g (%g → %g)", config.Direction, config.Threshold, oldScore, newScore),
		Details: map[string]any{
			"direction": string(config.Direction),
			"threshold": config.Threshold,
			"old_score": oldScore,
			"new_score": newScore,
		},
	}, true
}

func matchStatus(config models.StatusChangeConfig, event models.ContactEvent) (Match, bool) {
	newStatus, _ := event.NewValue.(string)
	oldStatus, _ := event.OldValue.(string)

	if newStatus != config.ToStatus {
		return Match{}, false
	}

	if !config.MatchesAnyFrom() && oldStatus != config.FromStatus {
		return Match{}, false
	}

	return Match{
		Description: fmt.Sprintf("Status changed from %s to %s", displayStatus(oldStatus), newStatus),
		Details: map[string]any{
			"from_status": config.FromStatus,
			"to_status":   config.ToStatus,
			"old_status":  oldStatus,
			"new_status":  newStatus,
		},
	}, true
}

func displayStatus(status string) string {
	if status == "" {
		return "none"
	}

	return status
}

func matchTag(tagName, verb string, event models.ContactEvent) (Match, bool) {
	tag, _ := event.NewValue.(string)
	if tag == "" || tag != tagName {
		return Match{}, false
	}

	return Match{
		Description: fmt.Sprintf("Tag %q %s", tag, verb),
		Details:     map[string]any{"tag_name": tag},
	}, true
}

func matchFederation(config models.FederationStatusConfig, event models.ContactEvent) (Match, bool) {
	value, ok := models.ToBool(event.NewValue)
	if !ok || value != config.FederationValue {
		return Match{}, false
	}

	return Match{
		Description: fmt.Sprintf("Federation status set to %t", value),
		Details:     map[string]any{"federation_value": value},
	}, true
}
