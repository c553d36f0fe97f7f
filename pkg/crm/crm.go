// Package crm declares the CRM collaborators the engine reads contacts from
// and performs side effects through.
package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/crmflow/pkg/models"
)

var (
	// ErrTransient marks a failure that may succeed when retried.
	ErrTransient = errors.New("transient collaborator failure")

	// ErrContactNotFound is returned when the contact directory has no such contact.
	ErrContactNotFound = errors.New("contact not found")
)

// TransientError wraps a failure eligible for retry, such as a timeout or a rate limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

type ContactDirectory interface {
	GetContact(ctx context.Context, contactID string) (*models.Contact, error)
	ListContacts(ctx context.Context, filter models.ContactFilter) ([]*models.Contact, error)

	// ListContactsLastContactedBetween returns contacts whose last contact
	// time falls in the half-open window (from, to].
	ListContactsLastContactedBetween(ctx context.Context, from, to time.Time) ([]*models.Contact, error)
}

type EmailMessage struct {
	ContactID  string `json:"contact_id"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	TemplateID string `json:"template_id,omitempty"`
}

type Mailer interface {
	Send(ctx context.Context, message EmailMessage) (messageID string, err error)
}

type TaskRequest struct {
	ContactID      string     `json:"contact_id"`
	AssignToUserID string     `json:"assign_to_user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
}

type TaskCreator interface {
	CreateTask(ctx context.Context, request TaskRequest) (taskID string, err error)
}

type Notification struct {
	ContactID string `json:"contact_id"`
	UserID    string `json:"user_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, notification Notification) (notificationID string, err error)
}

// ContactMutator changes contact state and returns the updated snapshot.
type ContactMutator interface {
	UpdateStatus(ctx context.Context, contactID string, status models.ContactStatus) (*models.Contact, error)
	AddTag(ctx context.Context, contactID, tag string) (*models.Contact, error)
	RemoveTag(ctx context.Context, contactID, tag string) (*models.Contact, error)
	UpdateScore(ctx context.Context, contactID string, mode models.ScoreMode, value float64) (*models.Contact, error)
}

// Services bundles every collaborator the action runner dispatches to.
type Services struct {
	Contacts ContactDirectory
	Mailer   Mailer
	Tasks    TaskCreator
	Notifier Notifier
	Mutator  ContactMutator
}
