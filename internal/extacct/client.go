package extacct

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
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAuthUnavailable indicates the login endpoint could not be reached.
	ErrAuthUnavailable = errors.New("extacct: accounting service unreachable for login")
	// ErrAuthRejected indicates the service-account credentials were refused.
	ErrAuthRejected = errors.New("extacct: credentials rejected")
	// ErrMalformedAuthResponse indicates no token in any known response shape.
	ErrMalformedAuthResponse = errors.New("extacct: login response carried no token")
	// ErrNetwork indicates a transport failure or timeout on an entries call.
	ErrNetwork = errors.New("extacct: accounting service unreachable")
	// ErrUnauthorized indicates a 401; the cached token is stale.
	ErrUnauthorized = errors.New("extacct: token rejected")
	// ErrRemoteRejected indicates a 4xx with a message.
	ErrRemoteRejected = errors.New("extacct: request rejected")
	// ErrRemoteServer indicates a 5xx.
	ErrRemoteServer = errors.New("extacct: accounting service error")
	// ErrMalformedEntryResponse indicates no id in any known response shape.
	ErrMalformedEntryResponse = errors.New("extacct: entry response carried no id")
)

// Config carries connection settings for the external accounting service.
type Config struct {
	BaseURL      string
	Username     string
	Password     string
	LoginTimeout time.Duration
	EntryTimeout time.Duration
}

// Client is an HTTP client for the external accounting service.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *TokenSource
	logger *slog.Logger
}

// NewClient constructs a client with its own credential cache.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 10 * time.Second
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 15 * time.Second
	}
	c := &Client{cfg: cfg, http: &http.Client{}, logger: logger}
	c.tokens = NewTokenSource(c.login)
	return c
}

// EnsureCredentials resolves the bearer token, warming the cache.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// InvalidateCredentials drops the cached token after a 401.
func (c *Client) InvalidateCredentials() {
	c.tokens.Invalidate()
}

func (c *Client) login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: %s", ErrAuthRejected, remoteMessage(data, resp.StatusCode))
	}
	token, ok := ExtractToken(data)
	if !ok {
		return "", ErrMalformedAuthResponse
	}
	if c.logger != nil {
		c.logger.Info("authenticated against accounting service", slog.String("base_url", c.cfg.BaseURL))
	}
	return token, nil
}

// EntryInput is the payload for one ledger line submission.
type EntryInput struct {
	Description string
	AccountID   int64
	Movement    string
	Amount      decimal.Decimal
	EntryDate   time.Time
	AuxiliaryID int64
}

// CreateEntry posts one accounting entry and returns the remote id.
func (c *Client) CreateEntry(ctx context.Context, in EntryInput) (int64, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.EntryTimeout)
	defer cancel()

	amount, _ := in.Amount.Round(2).Float64()
	body, err := json.Marshal(map[string]any{
		"description":  in.Description,
		"accountId":    in.AccountID,
		"movementType": in.Movement,
		"amount":       amount,
		"entryDate":    in.EntryDate.Format("2006-01-02"),
		"auxiliaryId":  in.AuxiliaryID,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/accounting-entries", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return 0, err
	}
	id, ok := ExtractEntryID(data)
	if !ok {
		return 0, ErrMalformedEntryResponse
	}
	return id, nil
}

// ListFilter narrows the external listing endpoint. EntryDate matches one
// exact date and takes precedence server-side over the range bounds.
type ListFilter struct {
	StartDate   time.Time
	EndDate     time.Time
	EntryDate   time.Time
	AccountID   int64
	Movement    string
	AuxiliaryID int64
}

// ListEntries fetches accounting entries from the external system.
func (c *Client) ListEntries(ctx context.Context, filter ListFilter) ([]Entry, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.EntryTimeout)
	defer cancel()

	params := url.Values{}
	if !filter.StartDate.IsZero() {
		params.Set("startDate", filter.StartDate.Format("2006-01-02"))
	}
	if !filter.EndDate.IsZero() {
		params.Set("endDate", filter.EndDate.Format("2006-01-02"))
	}
	if !filter.EntryDate.IsZero() {
		params.Set("entryDate", filter.EntryDate.Format("2006-01-02"))
	}
	if filter.AccountID != 0 {
		params.Set("accountId", strconv.FormatInt(filter.AccountID, 10))
	}
	if filter.Movement != "" {
		params.Set("movementType", filter.Movement)
	}
	if filter.AuxiliaryID != 0 {
		params.Set("auxiliaryId", strconv.FormatInt(filter.AuxiliaryID, 10))
	}

	endpoint := c.cfg.BaseURL + "/api/v1/accounting-entries"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return nil, err
	}
	entries, ok := ExtractEntries(data)
	if !ok {
		return nil, ErrMalformedEntryResponse
	}
	return entries, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status >= 500:
		return fmt.Errorf("%w: %s", ErrRemoteServer, remoteMessage(body, status))
	case status >= 400:
		return fmt.Errorf("%w: %s", ErrRemoteRejected, remoteMessage(body, status))
	}
	return nil
}

// remoteMessage digs a human-readable cause out of an error body.
func remoteMessage(body []byte, status int) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return "HTTP " + strconv.Itoa(status)
}
