package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rbrinkke/notifications-service/pkg/config"
	"github.com/rbrinkke/notifications-service/pkg/enums"
)

// Outcome classifies one send against one target.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeUnregistered    Outcome = "unregistered"
	OutcomeInvalidArgument Outcome = "invalid_argument"
	OutcomeTransient       Outcome = "transient"
	OutcomePermanent       Outcome = "permanent"
)

// RemovesToken reports whether the outcome authoritatively invalidates the
// target token.
func (o Outcome) RemovesToken() bool {
	return o == OutcomeUnregistered || o == OutcomeInvalidArgument
}

// Target addresses one send: exactly one of Token or Topic is set.
type Target struct {
	Token string
	Topic string
}

// Message is the notification content for one send.
type Message struct {
	Title    string
	Body     string
	Data     map[string]string
	Priority enums.Priority
}

// Client sends pushes over the FCM HTTP v1 API using a cached OAuth2
// service-account token.
type Client struct {
	httpClient *http.Client
	tokens     *tokenSource
	sendURL    string
}

var errProjectIDRequired = errors.New("fcm project id is required")

// NewClient loads the service account and prepares the send endpoint.
func NewClient(cfg config.FCMConfig) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errProjectIDRequired
	}
	account, err := loadServiceAccount(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}
	tokens, err := newTokenSource(account, cfg.TokenTimeout)
	if err != nil {
		return nil, err
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		sendURL:    fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", cfg.ProjectID),
	}, nil
}

type sendRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification wireNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      androidConfig     `json:"android"`
	APNS         apnsConfig        `json:"apns"`
}

type wireNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type androidConfig struct {
	Priority string `json:"priority"`
}

type apnsConfig struct {
	Headers map[string]string `json:"headers"`
	Payload *apnsPayload      `json:"payload,omitempty"`
}

type apnsPayload struct {
	APS apsDictionary `json:"aps"`
}

type apsDictionary struct {
	ContentAvailable int `json:"content-available"`
}

// Send delivers one message to one target and classifies the response. The
// returned error carries detail for bookkeeping; it is nil iff the outcome
// is OutcomeOK.
func (c *Client) Send(ctx context.Context, target Target, msg Message) (Outcome, error) {
	accessToken, err := c.tokens.Token(ctx)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("obtaining access token: %w", err)
	}

	body, err := json.Marshal(sendRequest{Message: buildWireMessage(target, msg)})
	if err != nil {
		return OutcomePermanent, fmt.Errorf("encoding fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return OutcomePermanent, fmt.Errorf("building fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return OutcomeOK, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	outcome := classifyError(resp.StatusCode, raw)
	return outcome, fmt.Errorf("fcm returned %d (%s): %s", resp.StatusCode, outcome, truncate(raw, 256))
}

func buildWireMessage(target Target, msg Message) wireMessage {
	androidPriority := "normal"
	apnsPriority := "5"
	if msg.Priority == enums.PriorityHigh || msg.Priority == enums.PriorityCritical {
		androidPriority = "high"
		apnsPriority = "10"
	}

	wire := wireMessage{
		Token: target.Token,
		Topic: target.Topic,
		Notification: wireNotification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data:    msg.Data,
		Android: androidConfig{Priority: androidPriority},
		APNS: apnsConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
		},
	}
	if msg.Priority == enums.PriorityCritical {
		wire.APNS.Payload = &apnsPayload{APS: apsDictionary{ContentAvailable: 1}}
	}
	return wire
}

type fcmErrorBody struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func classifyError(status int, raw []byte) Outcome {
	var body fcmErrorBody
	_ = json.Unmarshal(raw, &body)

	errorCode := body.Error.Status
	for _, detail := range body.Error.Details {
		if detail.ErrorCode != "" {
			errorCode = detail.ErrorCode
		}
	}

	switch {
	case status == http.StatusNotFound, errorCode == "UNREGISTERED":
		return OutcomeUnregistered
	case errorCode == "INVALID_ARGUMENT" && mentionsToken(body.Error.Message):
		return OutcomeInvalidArgument
	case status >= 500, status == http.StatusTooManyRequests:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

func mentionsToken(message string) bool {
	return strings.Contains(strings.ToLower(message), "token")
}

// MaskToken shortens a registration token for log output.
func MaskToken(token string) string {
	switch {
	case len(token) > 12:
		return token[:6] + "..." + token[len(token)-4:]
	case len(token) > 4:
		return token[:4] + "..."
	default:
		return "****"
	}
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit])
}
