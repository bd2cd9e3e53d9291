// Package httpgw implements the persistence gateway over the entity HTTP API.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/pkg/models"
	"github.com/appedme/sketchflow-sub001/pkg/protocol"
	"github.com/appedme/sketchflow-sub001/pkg/retry"
)

// Client is an HTTP persistence gateway. Loads are retried; saves are not,
// the sync protocol owns save retries.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	logger      *zap.Logger

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	Logger      *zap.Logger
}

var _ gateway.Gateway = (*Client)(nil)

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		logger:      logging.Named(cfg.Logger, "httpgw"),
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the server answered the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.logger.Info("server is back online")
		} else {
			c.logger.Error("server is offline")
		}
	}
	c.online = online
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

func (c *Client) entityURL(id string) string {
	return c.baseURL + "/api/v1/entities/" + url.PathEscape(id)
}

// Load fetches the current document.
func (c *Client) Load(ctx context.Context, id string) (models.Document, error) {
	var doc models.Document

	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(id), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			c.setOnline(true)
			return gateway.ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				c.setOnline(false)
				return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			return fmt.Errorf("load failed: %s", readError(resp))
		}

		c.setOnline(true)

		var er protocol.EntityResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return fmt.Errorf("decode entity: %w", err)
		}
		doc = models.Document{
			ID:      er.ID,
			Kind:    models.EntityKind(er.Kind),
			Content: models.Snapshot(er.Content),
			Revision: models.Revision{
				Version:   er.Version,
				Token:     er.Hash,
				UpdatedAt: er.UpdatedAt,
			},
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return models.Document{}, err
		}
		if retry.IsRetryable(err) || ctx.Err() != nil {
			return models.Document{}, &gateway.TransportError{Op: "load", ID: id, Err: err}
		}
		return models.Document{}, fmt.Errorf("load %s: %w", id, err)
	}
	return doc, nil
}

// Save writes content with the precondition in the X-Expected-Version header.
// A 409 or 412 answer is a conflict. Other 4xx answers are rejections, except
// 408 and 429 which are retried like transport failures.
func (c *Client) Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) gateway.SaveResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.entityURL(id), bytes.NewReader(content))
	if err != nil {
		return gateway.Failed(&gateway.TransportError{Op: "save", ID: id, Err: err})
	}
	req.ContentLength = int64(len(content))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(protocol.ExpectedVersionHeader, strconv.FormatInt(precondition.Version, 10))
	if precondition.Token != "" {
		req.Header.Set("If-Match", strconv.Quote(precondition.Token))
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return gateway.Failed(&gateway.TransportError{Op: "save", ID: id, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		c.setOnline(true)
		ce := &ConflictError{ID: id, ExpectedVersion: precondition.Version}
		var cr protocol.ConflictResponse
		if json.NewDecoder(resp.Body).Decode(&cr) == nil {
			ce.CurrentVersion = cr.CurrentVersion
			ce.CurrentHash = cr.CurrentHash
			ce.UpdatedAt = cr.UpdatedAt
		}
		res := gateway.Conflicted(ce.Current())
		res.Err = ce
		return res

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		c.setOnline(true)
		var sr protocol.SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return gateway.Failed(&gateway.TransportError{Op: "save", ID: id, Err: fmt.Errorf("decode response: %w", err)})
		}
		return gateway.Success(models.Revision{Version: sr.Version, Token: sr.Hash, UpdatedAt: sr.UpdatedAt})

	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		c.setOnline(true)
		return gateway.Rejection(&gateway.RequestError{
			Op:         "save",
			ID:         id,
			StatusCode: resp.StatusCode,
			Message:    readError(resp),
		})

	default:
		if resp.StatusCode >= 500 {
			c.setOnline(false)
		}
		return gateway.Failed(&gateway.TransportError{
			Op:  "save",
			ID:  id,
			Err: fmt.Errorf("save failed: %s", readError(resp)),
		})
	}
}

func readError(resp *http.Response) string {
	var errResp protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strconv.Itoa(resp.StatusCode)
}

// ConflictError describes a save rejected because the server holds a newer
// version.
type ConflictError struct {
	ID              string
	ExpectedVersion int64
	CurrentVersion  int64
	CurrentHash     string
	UpdatedAt       time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected version %d, server has %d",
		e.ID, e.ExpectedVersion, e.CurrentVersion)
}

// Current returns the server revision reported with the conflict.
func (e *ConflictError) Current() models.Revision {
	return models.Revision{Version: e.CurrentVersion, Token: e.CurrentHash, UpdatedAt: e.UpdatedAt}
}

// AsConflict checks if an error is a ConflictError and returns it.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
