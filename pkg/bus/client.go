package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rbrinkke/notifications-service/pkg/config"
	pkgerrors "github.com/rbrinkke/notifications-service/pkg/errors"
)

const serviceTokenHeader = "X-Service-Token"

var (
	errBaseURLRequired = errors.New("bus base URL is required")
	errTokenRequired   = errors.New("bus service token is required")
)

// Envelope is the JSON body posted to the bus.
type Envelope struct {
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PublishResult is the broker's accounting for one publish. Both fields are
// optional on the wire; absence is distinguished from zero.
type PublishResult struct {
	Delivered       *bool `json:"delivered"`
	SubscriberCount *int  `json:"subscriber_count"`
}

// DeliveredToSubscriber applies the conservative interpretation: the publish
// only counts as delivered when the broker explicitly says so and does not
// report zero subscribers.
func (r PublishResult) DeliveredToSubscriber() bool {
	if r.Delivered == nil || !*r.Delivered {
		return false
	}
	if r.SubscriberCount != nil && *r.SubscriberCount <= 0 {
		return false
	}
	return true
}

// Client publishes envelopes to the WebSocket bus over its internal HTTP
// surface. The worker's retry is the retry; the client never retries.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	serviceToken string
}

// NewClient validates the bus configuration and returns a publish client.
func NewClient(cfg config.BusConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if strings.TrimSpace(cfg.ServiceToken) == "" {
		return nil, errTokenRequired
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      base,
		serviceToken: cfg.ServiceToken,
	}, nil
}

// PublishToUser posts the envelope to every connection of one user.
func (c *Client) PublishToUser(ctx context.Context, userID uuid.UUID, env Envelope) (PublishResult, error) {
	return c.publish(ctx, fmt.Sprintf("%s/internal/publish/user/%s", c.baseURL, userID), env)
}

// PublishToTopic posts the envelope to every subscriber of a topic.
func (c *Client) PublishToTopic(ctx context.Context, topic string, env Envelope) (PublishResult, error) {
	return c.publish(ctx, fmt.Sprintf("%s/internal/publish/topic/%s", c.baseURL, url.PathEscape(topic)), env)
}

func (c *Client) publish(ctx context.Context, endpoint string, env Envelope) (PublishResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return PublishResult{}, pkgerrors.Wrap(pkgerrors.CodeTransportPermanent, err, "encoding bus envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PublishResult{}, pkgerrors.Wrap(pkgerrors.CodeTransportPermanent, err, "building bus request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(serviceTokenHeader, c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PublishResult{}, pkgerrors.Wrap(pkgerrors.CodeTransportTransient, err, "bus publish request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return PublishResult{}, pkgerrors.Wrap(pkgerrors.CodeTransportTransient, err, "reading bus response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result PublishResult
		if len(raw) > 0 {
			// A 2xx with an unparsable body still means the bus accepted the
			// publish; the conservative zero-value result falls back to push.
			_ = json.Unmarshal(raw, &result)
		}
		return result, nil
	case resp.StatusCode >= 500:
		return PublishResult{}, pkgerrors.New(pkgerrors.CodeTransportTransient,
			fmt.Sprintf("bus returned %d: %s", resp.StatusCode, truncate(raw, 256)))
	default:
		return PublishResult{}, pkgerrors.New(pkgerrors.CodeTransportPermanent,
			fmt.Sprintf("bus returned %d: %s", resp.StatusCode, truncate(raw, 256)))
	}
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit])
}
