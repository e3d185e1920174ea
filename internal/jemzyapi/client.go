package jemzyapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/jemzy/jemzy-views/internal/collections"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 4 << 20

	opCurrentUser      = "jemzyapi.current_user"
	opCollecting       = "jemzyapi.collecting"
	opCollectors       = "jemzyapi.collectors"
	opUncollectUser    = "jemzyapi.uncollect_user"
	opSetCollecting    = "jemzyapi.set_collecting"
	opSetNotifications = "jemzyapi.set_notification_preference"
)

// CurrentUser is the identity returned by GET /api/auth/user.
type CurrentUser struct {
	ID          string  `json:"id" validate:"required"`
	Username    string  `json:"username,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
	Email       string  `json:"email,omitempty" validate:"omitempty,email"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

type mutationResponse struct {
	Success *bool `json:"success" validate:"required"`
}

type notificationPreferenceRequest struct {
	NotificationsEnabled bool `json:"notificationsEnabled"`
}

// ClientConfig describes how to reach the Jemzy REST API.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the Jemzy REST API. Every method performs exactly one request
// and never retries.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("jemzyapi: invalid base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("jemzyapi: base url %q must be absolute", raw)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}, nil
}

// CurrentUser resolves the identity behind token.
func (c *Client) CurrentUser(ctx context.Context, token string) (CurrentUser, error) {
	var user CurrentUser
	if err := c.do(ctx, opCurrentUser, http.MethodGet, "/api/auth/user", token, nil, &user); err != nil {
		return CurrentUser{}, err
	}
	if err := c.validate.Struct(user); err != nil {
		return CurrentUser{}, c.malformed(opCurrentUser, err)
	}
	return user, nil
}

// Collecting lists the users ownerID collects.
func (c *Client) Collecting(ctx context.Context, token, ownerID string) ([]collections.Record, error) {
	return c.listRecords(ctx, opCollecting, ownerID, "collecting", token)
}

// Collectors lists the users collecting ownerID.
func (c *Client) Collectors(ctx context.Context, token, ownerID string) ([]collections.Record, error) {
	return c.listRecords(ctx, opCollectors, ownerID, "collectors", token)
}

// UncollectUser removes targetID from the caller's collecting set.
func (c *Client) UncollectUser(ctx context.Context, token, targetID string) error {
	return c.mutate(ctx, opUncollectUser, "/api/uncollect-user/"+url.PathEscape(targetID), token, nil)
}

// SetCollecting collects or uncollects targetID.
func (c *Client) SetCollecting(ctx context.Context, token, targetID string, collect bool) error {
	verb := "uncollect"
	if collect {
		verb = "collect"
	}
	return c.mutate(ctx, opSetCollecting, "/api/users/"+url.PathEscape(targetID)+"/"+verb, token, nil)
}

// SetNotificationPreference enables or disables notifications for targetID.
func (c *Client) SetNotificationPreference(ctx context.Context, token, targetID string, enabled bool) error {
	body := notificationPreferenceRequest{NotificationsEnabled: enabled}
	return c.mutate(ctx, opSetNotifications, "/api/notifications/preferences/"+url.PathEscape(targetID), token, body)
}

func (c *Client) listRecords(ctx context.Context, op, ownerID, relation, token string) ([]collections.Record, error) {
	path := "/api/users/" + url.PathEscape(ownerID) + "/" + relation
	var records []collections.Record
	if err := c.do(ctx, op, http.MethodGet, path, token, nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		return nil, c.malformed(op, errors.New("expected a list of records"))
	}
	for index := range records {
		if err := c.validate.Struct(records[index]); err != nil {
			return nil, c.malformed(op, fmt.Errorf("record %d: %w", index, err))
		}
	}
	return records, nil
}

func (c *Client) mutate(ctx context.Context, op, path, token string, body any) error {
	var response mutationResponse
	if err := c.do(ctx, op, http.MethodPost, path, token, body, &response); err != nil {
		return err
	}
	if err := c.validate.Struct(response); err != nil {
		return c.malformed(op, err)
	}
	if !*response.Success {
		return &RequestError{Op: op, Kind: KindStatus, StatusCode: http.StatusOK, Err: errUnsuccessful}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body any, out any) error {
	if strings.TrimSpace(token) == "" {
		return &RequestError{Op: op, Kind: KindTransport, Err: errMissingToken}
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("upstream request failed",
			zap.String("operation", op),
			zap.String("path", path),
			zap.Error(err))
		return &RequestError{Op: op, Kind: KindTransport, Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return &RequestError{Op: op, Kind: KindTransport, StatusCode: response.StatusCode, Err: err}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		c.logger.Warn("upstream returned error status",
			zap.String("operation", op),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &RequestError{
			Op:         op,
			Kind:       KindStatus,
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(response.StatusCode)),
		}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return c.malformed(op, err)
	}
	return nil
}

func (c *Client) malformed(op string, err error) error {
	c.logger.Warn("upstream response rejected", zap.String("operation", op), zap.Error(err))
	return &RequestError{Op: op, Kind: KindMalformed, Err: err}
}
