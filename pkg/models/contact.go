package models

import (
	"slices"
	"time"
)

type ContactStatus string

const (
	ContactLead     ContactStatus = "lead"
	ContactProspect ContactStatus = "prospect"
	ContactCustomer ContactStatus = "customer"
	ContactInactive ContactStatus = "inactive"
	ContactChurned  ContactStatus = "churned"
)

// ContactStatuses is the allowed status enum of the contact system.
var ContactStatuses = []ContactStatus{
	ContactLead,
	ContactProspect,
	ContactCustomer,
	ContactInactive,
	ContactChurned,
}

// ValidContactStatus reports whether s belongs to the contact status enum.
func ValidContactStatus(s string) bool {
	return slices.Contains(ContactStatuses, ContactStatus(s))
}

// Contact is the snapshot of a CRM contact read from the contact directory.
type Contact struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Email         string         `json:"email,omitempty"`
	Status        ContactStatus  `json:"status"`
	Score         float64        `json:"score"`
	Tags          []string       `json:"tags,omitempty"`
	IsFederated   bool           `json:"is_federated"`
	LastContactAt *time.Time     `json:"last_contact_at,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

func (c *Contact) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Field looks up a named attribute. Built-in fields shadow custom attributes.
func (c *Contact) Field(name string) (any, bool) {
	switch name {
	case "id":
		return c.ID, true
	case "name":
		return c.Name, true
	case "email":
		return c.Email, c.Email != ""
	case "status":
		return string(c.Status), true
	case "score":
		return c.Score, true
	case "tags":
		return c.Tags, true
	case "is_federated":
		return c.IsFederated, true
	case "last_contact_at":
		if c.LastContactAt == nil {
			return nil, false
		}

		return *c.LastContactAt, true
	}

	value, ok := c.Attributes[name]

	return value, ok
}

// TemplateData exposes the contact to email and notification templates.
func (c *Contact) TemplateData() map[string]any {
	data := map[string]any{
		"id":           c.ID,
		"name":         c.Name,
		"email":        c.Email,
		"status":       string(c.Status),
		"score":        c.Score,
		"tags":         c.Tags,
		"is_federated": c.IsFederated,
		"attributes":   c.Attributes,
	}

	if c.LastContactAt != nil {
		data["last_contact_at"] = *c.LastContactAt
	}

	return data
}

// ContactFilter narrows a contact listing. Empty fields match everything.
type ContactFilter struct {
	Status ContactStatus `json:"status,omitempty"`
	Tag    string        `json:"tag,omitempty"`
}

func (f ContactFilter) Matches(c *Contact) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}

	if f.Tag != "" && !c.HasTag(f.Tag) {
		return false
	}

	return true
}

type ContactEventType string

const (
	EventScoreChanged      ContactEventType = "score_changed"
	EventStatusChanged     ContactEventType = "status_changed"
	EventTagAdded          ContactEventType = "tag_added"
	EventTagRemoved        ContactEventType = "tag_removed"
	EventFederationChanged ContactEventType = "federation_changed"
)

// TriggerType maps the event onto the trigger variant that listens for it.
func (t ContactEventType) TriggerType() (TriggerType, bool) {
	switch t {
	case EventScoreChanged:
		return TriggerScoreChange, true
	case EventStatusChanged:
		return TriggerStatusChange, true
	case EventTagAdded:
		return TriggerTagAdded, true
	case EventTagRemoved:
		return TriggerTagRemoved, true
	case EventFederationChanged:
		return TriggerFederationStatus, true
	default:
		return "", false
	}
}

// ContactEvent is one state change emitted by the contact system. For tag
// events NewValue carries the tag name and OldValue is unused.
type ContactEvent struct {
	ID        string           `json:"id,omitempty"`
	ContactID string           `json:"contact_id"          validate:"required"`
	EventType ContactEventType `json:"event_type"          validate:"required"`
	OldValue  any              `json:"old_value,omitempty"`
	NewValue  any              `json:"new_value"`
	Timestamp time.Time        `json:"timestamp"`
}
