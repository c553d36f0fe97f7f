package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/template"
)

// runState is the per-run scratch space of one leased execution.
type runState struct {
	record  *models.ExecutionRecord
	owner   string
	contact *models.Contact
}

// loadContact returns the cached contact snapshot, fetching it on first use.
// Mutations replace the cache with the snapshot they return.
func (s *runState) loadContact(ctx context.Context, contacts crm.ContactDirectory) (*models.Contact, error) {
	if s.contact != nil {
		return s.contact, nil
	}

	contact, err := contacts.GetContact(ctx, s.record.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contact %s: %w", s.record.ContactID, err)
	}

	s.contact = contact

	return contact, nil
}

func (s *runState) updateContact(contact *models.Contact) {
	if contact != nil {
		s.contact = contact
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// perform runs one attempt of a side-effecting action.
func (r *Runner) perform(ctx context.Context, state *runState, step models.ActionStep) (map[string]any, error) {
	switch config := step.Config.(type) {
	case models.SendEmailConfig:
		return r.sendEmail(ctx, state, config)
	case models.AssignTaskConfig:
		return r.assignTask(ctx, state, config)
	case models.UpdateStatusConfig:
		return r.updateStatus(ctx, state, config)
	case models.AddTagConfig:
		return r.addTag(ctx, state, config)
	case models.RemoveTagConfig:
		return r.removeTag(ctx, state, config)
	case models.UpdateScoreConfig:
		return r.updateScore(ctx, state, config)
	case models.SendNotificationConfig:
		return r.sendNotification(ctx, state, config)
	default:
		return nil, permanent("no handler for action type %q", step.Type)
	}
}

func (r *Runner) render(state *runState, field, text string) (string, error) {
	rendered, err := template.Render(text, template.ExecutionData(state.record, state.contact))
	if err != nil {
		return "", permanent("failed to render %s: %w", field, err)
	}

	return rendered, nil
}

func (r *Runner) sendEmail(ctx context.Context, state *runState, config models.SendEmailConfig) (map[string]any, error) {
	contact, err := state.loadContact(ctx, r.services.Contacts)
	if err != nil {
		return nil, err
	}

	subject, err := r.render(state, "subject", config.Subject)
	if err != nil {
		return nil, err
	}

	body, err := r.render(state, "body", config.Body)
	if err != nil {
		return nil, err
	}

	to := config.To
	if to == "" {
		to = contact.Email
	}

	if to == "" {
		return nil, permanent("contact %s has no email address", contact.ID)
	}

	messageID, err := r.services.Mailer.Send(ctx, crm.EmailMessage{
		ContactID:  contact.ID,
		To:         to,
		Subject:    subject,
		Body:       body,
		TemplateID: config.TemplateID,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"message_id": messageID,
		"to":         to,
		"subject":    subject,
	}, nil
}

func (r *Runner) assignTask(ctx context.Context, state *runState, config models.AssignTaskConfig) (map[string]any, error) {
	_, err := state.loadContact(ctx, r.services.Contacts)
	if err != nil {
		return nil, err
	}

	title, err := r.render(state, "title", config.Title)
	if err != nil {
		return nil, err
	}

	description, err := r.render(state, "description", config.Description)
	if err != nil {
		return nil, err
	}

	request := crm.TaskRequest{
		ContactID:      state.record.ContactID,
		AssignToUserID: config.AssignToUserID,
		Title:          title,
		Description:    description,
	}

	result := map[string]any{"assign_to_user_id": config.AssignToUserID}

	if config.DueInHours > 0 {
		dueAt := r.now().Add(hours(config.DueInHours))
		request.DueAt = &dueAt
		result["due_at"] = dueAt.Format(time.RFC3339)
	}

	taskID, err := r.services.Tasks.CreateTask(ctx, request)
	if err != nil {
		return nil, err
	}

	result["task_id"] = taskID

	return result, nil
}

func (r *Runner) updateStatus(ctx context.Context, state *runState, config models.UpdateStatusConfig) (map[string]any, error) {
	contact, err := r.services.Mutator.UpdateStatus(ctx, state.record.ContactID, models.ContactStatus(config.Status))
	if err != nil {
		return nil, err
	}

	state.updateContact(contact)

	return map[string]any{"status": config.Status}, nil
}

func (r *Runner) addTag(ctx context.Context, state *runState, config models.AddTagConfig) (map[string]any, error) {
	contact, err := r.services.Mutator.AddTag(ctx, state.record.ContactID, config.TagName)
	if err != nil {
		return nil, err
	}

	state.updateContact(contact)

	return tagResult(config.TagName, contact), nil
}

func (r *Runner) removeTag(ctx context.Context, state *runState, config models.RemoveTagConfig) (map[string]any, error) {
	contact, err := r.services.Mutator.RemoveTag(ctx, state.record.ContactID, config.TagName)
	if err != nil {
		return nil, err
	}

	state.updateContact(contact)

	return tagResult(config.TagName, contact), nil
}

func tagResult(tag string, contact *models.Contact) map[string]any {
	result := map[string]any{"tag_name": tag}
	if contact != nil {
		result["tags"] = contact.Tags
	}

	return result
}

func (r *Runner) updateScore(ctx context.Context, state *runState, config models.UpdateScoreConfig) (map[string]any, error) {
	mode := config.EffectiveMode()

	contact, err := r.services.Mutator.UpdateScore(ctx, state.record.ContactID, mode, config.Value)
	if err != nil {
		return nil, err
	}

	state.updateContact(contact)

	result := map[string]any{"mode": string(mode), "value": config.Value}
	if contact != nil {
		result["score"] = contact.Score
	}

	return result, nil
}

func (r *Runner) sendNotification(ctx context.Context, state *runState, config models.SendNotificationConfig) (map[string]any, error) {
	_, err := state.loadContact(ctx, r.services.Contacts)
	if err != nil {
		return nil, err
	}

	message, err := r.render(state, "message", config.Message)
	if err != nil {
		return nil, err
	}

	notificationID, err := r.services.Notifier.Notify(ctx, crm.Notification{
		ContactID: state.record.ContactID,
		UserID:    config.UserID,
		Channel:   config.Channel,
		Message:   message,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"notification_id": notificationID}, nil
}
