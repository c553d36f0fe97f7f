// Package rest talks to the CRM backend over its JSON HTTP API. It implements
// every collaborator interface of package crm.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

// ErrInvalidBaseURL is returned by New for URLs without scheme or host.
var ErrInvalidBaseURL = errors.New("invalid CRM API base URL")

// APIError is a non-retryable response from the CRM backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("crm api %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("crm api %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   string
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = timeout
	}
}

func New(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL: parsed,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
		logger: logger.With("module", "crm_rest_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Services exposes the client as every collaborator the engine needs.
func (c *Client) Services() crm.Services {
	return crm.Services{
		Contacts: c,
		Mailer:   c,
		Tasks:    c,
		Notifier: c,
		Mutator:  c,
	}
}

func (c *Client) GetContact(ctx context.Context, contactID string) (*models.Contact, error) {
	var contact models.Contact

	err := c.do(ctx, http.MethodGet, contactPath(contactID), nil, nil, &contact)
	if err != nil {
		return nil, err
	}

	return &contact, nil
}

func (c *Client) ListContacts(ctx context.Context, filter models.ContactFilter) ([]*models.Contact, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}

	if filter.Tag != "" {
		query.Set("tag", filter.Tag)
	}

	return c.listContacts(ctx, query)
}

func (c *Client) ListContactsLastContactedBetween(ctx context.Context, from, to time.Time) ([]*models.Contact, error) {
	query := url.Values{}
	query.Set("last_contacted_after", from.UTC().Format(time.RFC3339Nano))
	query.Set("last_contacted_until", to.UTC().Format(time.RFC3339Nano))

	return c.listContacts(ctx, query)
}

func (c *Client) listContacts(ctx context.Context, query url.Values) ([]*models.Contact, error) {
	var response struct {
		Contacts []*models.Contact `json:"contacts"`
	}

	err := c.do(ctx, http.MethodGet, "/contacts", query, nil, &response)
	if err != nil {
		return nil, err
	}

	return response.Contacts, nil
}

type createdResponse struct {
	ID string `json:"id"`
}

func (c *Client) Send(ctx context.Context, message crm.EmailMessage) (string, error) {
	var created createdResponse

	err := c.do(ctx, http.MethodPost, "/emails", nil, message, &created)

	return created.ID, err
}

func (c *Client) CreateTask(ctx context.Context, request crm.TaskRequest) (string, error) {
	var created createdResponse

	err := c.do(ctx, http.MethodPost, "/tasks", nil, request, &created)

	return created.ID, err
}

func (c *Client) Notify(ctx context.Context, notification crm.Notification) (string, error) {
	var created createdResponse

	err := c.do(ctx, http.MethodPost, "/notifications", nil, notification, &created)

	return created.ID, err
}

func (c *Client) UpdateStatus(ctx context.Context, contactID string, status models.ContactStatus) (*models.Contact, error) {
	return c.mutate(ctx, http.MethodPut, contactPath(contactID)+"/status", map[string]any{"status": status})
}

func (c *Client) AddTag(ctx context.Context, contactID, tag string) (*models.Contact, error) {
	return c.mutate(ctx, http.MethodPost, contactPath(contactID)+"/tags", map[string]any{"tag": tag})
}

func (c *Client) RemoveTag(ctx context.Context, contactID, tag string) (*models.Contact, error) {
	return c.mutate(ctx, http.MethodDelete, contactPath(contactID)+"/tags/"+url.PathEscape(tag), nil)
}

func (c *Client) UpdateScore(ctx context.Context, contactID string, mode models.ScoreMode, value float64) (*models.Contact, error) {
	return c.mutate(ctx, http.MethodPost, contactPath(contactID)+"/score", map[string]any{"mode": mode, "value": value})
}

func (c *Client) mutate(ctx context.Context, method, path string, body any) (*models.Contact, error) {
	var contact models.Contact

	err := c.do(ctx, method, path, nil, body, &contact)
	if err != nil {
		return nil, err
	}

	return &contact, nil
}

func contactPath(contactID string) string {
	return "/contacts/" + url.PathEscape(contactID)
}

// do sends one request and decodes a 2xx JSON body into out. Network
// failures, timeouts, 408, 429 and 5xx responses are transient; 404 on a
// contact resource is crm.ErrContactNotFound; other statuses are permanent.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s request: %w", method, path, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return err
		}

		return crm.Transient(fmt.Errorf("crm api %s %s: %w", method, path, err))
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			c.logger.ErrorContext(ctx, "Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return crm.Transient(fmt.Errorf("crm api %s %s: failed to read response: %w", method, path, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}

		err = json.Unmarshal(data, out)
		if err != nil {
			return fmt.Errorf("crm api %s %s: invalid response body: %w", method, path, err)
		}

		return nil
	}

	apiErr := &APIError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(data),
	}

	c.logger.DebugContext(ctx, "CRM API request failed",
		"method", method,
		"path", path,
		"status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/contacts/"):
		return fmt.Errorf("%w: %w", crm.ErrContactNotFound, apiErr)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return crm.Transient(apiErr)
	default:
		return apiErr
	}
}

// errorMessage extracts a human readable message from a problem or
// {"error": ...} body.
func errorMessage(data []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}

	if json.Unmarshal(data, &body) == nil {
		for _, candidate := range []string{body.Detail, body.Error, body.Title} {
			if candidate != "" {
				return candidate
			}
		}
	}

	message := strings.TrimSpace(string(data))
	if len(message) > 200 {
		message = message[:200]
	}

	return message
}
