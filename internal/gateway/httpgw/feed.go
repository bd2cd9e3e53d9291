package httpgw

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/pkg/protocol"
)

// Feed follows the server's change events on /api/v1/events.
type Feed struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// NewFeed creates a change feed client.
func NewFeed(baseURL string, logger *zap.Logger) *Feed {
	return &Feed{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // streams stay open
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		logger:       logging.Named(logger, "feed"),
	}
}

// SetAuthToken sets the bearer token for the stream request.
func (f *Feed) SetAuthToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authToken = token
}

// SetReconnect overrides the reconnect backoff bounds.
func (f *Feed) SetReconnect(min, max time.Duration) {
	f.reconnectMin = min
	f.reconnectMax = max
}

// Subscribe connects and streams change events until ctx is done,
// reconnecting with exponential backoff. Both channels close on return.
func (f *Feed) Subscribe(ctx context.Context) (<-chan protocol.ChangeEvent, <-chan error) {
	events := make(chan protocol.ChangeEvent, 100)
	errs := make(chan error, 1)

	go f.subscribeLoop(ctx, events, errs)

	return events, errs
}

func (f *Feed) subscribeLoop(ctx context.Context, events chan<- protocol.ChangeEvent, errs chan<- error) {
	defer close(events)
	defer close(errs)

	reconnectDelay := f.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := f.connect(ctx, events)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			f.logger.Warn("change feed connection error",
				zap.Error(err), zap.Duration("reconnect_in", reconnectDelay))
			select {
			case errs <- err:
			default:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			reconnectDelay *= 2
			if reconnectDelay > f.reconnectMax {
				reconnectDelay = f.reconnectMax
			}
			continue
		}

		reconnectDelay = f.reconnectMin
	}
}

func (f *Feed) connect(ctx context.Context, events chan<- protocol.ChangeEvent) error {
	url := f.baseURL + "/api/v1/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	f.mu.RLock()
	token := f.authToken
	f.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	f.logger.Info("change feed connected", zap.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data string

	for scanner.Scan() {
		line := scanner.Text()

		if ctx.Err() != nil {
			return nil
		}

		if line == "" {
			if data != "" {
				var ev protocol.ChangeEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					f.logger.Debug("malformed change event", zap.Error(err))
				} else {
					if ev.Type == "" {
						ev.Type = eventType
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
			eventType = ""
			data = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}

	return fmt.Errorf("connection closed")
}
