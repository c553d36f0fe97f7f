package mocks

import (
	"context"
	"time"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockContactDirectory is a mock implementation of crm.ContactDirectory interface.
type MockContactDirectory struct {
	mock.Mock
}

func (m *MockContactDirectory) GetContact(ctx context.Context, contactID string) (*models.Contact, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Contact), args.Error(1)
}

func (m *MockContactDirectory) ListContacts(ctx context.Context, filter models.ContactFilter) ([]*models.Contact, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Contact), args.Error(1)
}

func (m *MockContactDirectory) ListContactsLastContactedBetween(ctx context.Context, from, to time.Time) ([]*models.Contact, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Contact), args.Error(1)
}

// MockMailer is a mock implementation of crm.Mailer interface.
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, message crm.EmailMessage) (string, error) {
	args := m.Called(ctx, message)

	return args.String(0), args.Error(1)
}

// MockTaskCreator is a mock implementation of crm.TaskCreator interface.
type MockTaskCreator struct {
	mock.Mock
}

func (m *MockTaskCreator) CreateTask(ctx context.Context, request crm.TaskRequest) (string, error) {
	args := m.Called(ctx, request)

	return args.String(0), args.Error(1)
}

// MockNotifier is a mock implementation of crm.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, notification crm.Notification) (string, error) {
	args := m.Called(ctx, notification)

	return args.String(0), args.Error(1)
}

// MockContactMutator is a mock implementation of crm.ContactMutator interface.
type MockContactMutator struct {
	mock.Mock
}

func (m *MockContactMutator) UpdateStatus(ctx context.Context, contactID string, status models.ContactStatus) (*models.Contact, error) {
	args := m.Called(ctx, contactID, status)

	return contactOrNil(args)
}

func (m *MockContactMutator) AddTag(ctx context.Context, contactID, tag string) (*models.Contact, error) {
	args := m.Called(ctx, contactID, tag)

	return contactOrNil(args)
}

func (m *MockContactMutator) RemoveTag(ctx context.Context, contactID, tag string) (*models.Contact, error) {
	args := m.Called(ctx, contactID, tag)

	return contactOrNil(args)
}

func (m *MockContactMutator) UpdateScore(ctx context.Context, contactID string, mode models.ScoreMode, value float64) (*models.Contact, error) {
	args := m.Called(ctx, contactID, mode, value)

	return contactOrNil(args)
}

func contactOrNil(args mock.Arguments) (*models.Contact, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Contact), args.Error(1)
}

// CRM bundles one mock per collaborator.
type CRM struct {
	Contacts *MockContactDirectory
	Mailer   *MockMailer
	Tasks    *MockTaskCreator
	Notifier *MockNotifier
	Mutator  *MockContactMutator
}

func NewCRM() *CRM {
	return &CRM{
		Contacts: &MockContactDirectory{},
		Mailer:   &MockMailer{},
		Tasks:    &MockTaskCreator{},
		Notifier: &MockNotifier{},
		Mutator:  &MockContactMutator{},
	}
}

func (c *CRM) Services() crm.Services {
	return crm.Services{
		Contacts: c.Contacts,
		Mailer:   c.Mailer,
		Tasks:    c.Tasks,
		Notifier: c.Notifier,
		Mutator:  c.Mutator,
	}
}

// AssertExpectations asserts every collaborator's expectations.
func (c *CRM) AssertExpectations(t mock.TestingT) {
	c.Contacts.AssertExpectations(t)
	c.Mailer.AssertExpectations(t)
	c.Tasks.AssertExpectations(t)
	c.Notifier.AssertExpectations(t)
	c.Mutator.AssertExpectations(t)
}
