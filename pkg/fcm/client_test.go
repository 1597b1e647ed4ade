package fcm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbrinkke/notifications-service/pkg/enums"
)

func testRSAKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}

func newTestTokenSource(t *testing.T, tokenURL string) *tokenSource {
	t.Helper()
	_, keyPEM := testRSAKeyPEM(t)
	source, err := newTokenSource(serviceAccount{
		ClientEmail: "worker@demo-project.iam.gserviceaccount.com",
		PrivateKey:  keyPEM,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	source.tokenURL = tokenURL
	return source
}

func tokenServer(t *testing.T, calls *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("unexpected grant_type %q", got)
		}
		if r.Form.Get("assertion") == "" {
			t.Error("missing jwt assertion")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenSourceCachesUntilSkew(t *testing.T) {
	var calls atomic.Int64
	server := tokenServer(t, &calls, 3600)
	source := newTestTokenSource(t, server.URL)

	base := time.Now()
	current := base
	source.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		if _, err := source.Token(context.Background()); err != nil {
			t.Fatalf("token: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 exchange while cached, got %d", calls.Load())
	}

	// Within 60s of expiry the cache must refresh.
	current = base.Add(3600*time.Second - 30*time.Second)
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("token after expiry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refresh near expiry, got %d exchanges", calls.Load())
	}
}

func TestTokenSourceSingleFlightRefresh(t *testing.T) {
	var calls atomic.Int64
	server := tokenServer(t, &calls, 3600)
	source := newTestTokenSource(t, server.URL)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := source.Token(context.Background()); err != nil {
				t.Errorf("token: %v", err)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single refresh across concurrent callers, got %d", calls.Load())
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	var calls atomic.Int64
	tokenSrv := tokenServer(t, &calls, 3600)
	sendSrv := httptest.NewServer(handler)
	t.Cleanup(sendSrv.Close)

	return &Client{
		httpClient: &http.Client{Timeout: 2 * time.Second},
		tokens:     newTestTokenSource(t, tokenSrv.URL),
		sendURL:    sendSrv.URL,
	}
}

func TestSendWireShape(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer at-1" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	outcome, err := client.Send(context.Background(), Target{Token: "tok-1"}, Message{
		Title:    "New follower",
		Body:     "someone followed you",
		Data:     map[string]string{"notification_id": "n-1", "type": "follow"},
		Priority: enums.PriorityHigh,
	})
	if err != nil || outcome != OutcomeOK {
		t.Fatalf("expected ok outcome, got %s err=%v", outcome, err)
	}

	if got.Message.Token != "tok-1" || got.Message.Topic != "" {
		t.Fatalf("unexpected target %+v", got.Message)
	}
	if got.Message.Android.Priority != "high" {
		t.Fatalf("expected android priority high, got %s", got.Message.Android.Priority)
	}
	if got.Message.APNS.Headers["apns-priority"] != "10" {
		t.Fatalf("expected apns-priority 10, got %v", got.Message.APNS.Headers)
	}
	if got.Message.APNS.Payload != nil {
		t.Fatal("content-available is reserved for critical priority")
	}
}

func TestSendCriticalSetsContentAvailable(t *testing.T) {
	var got sendRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	if _, err := client.Send(context.Background(), Target{Topic: "all"}, Message{Priority: enums.PriorityCritical}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Message.Topic != "all" {
		t.Fatalf("expected topic target, got %+v", got.Message)
	}
	if got.Message.APNS.Payload == nil || got.Message.APNS.Payload.APS.ContentAvailable != 1 {
		t.Fatalf("expected content-available for critical, got %+v", got.Message.APNS)
	}
}

func TestSendClassifiesOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Outcome
	}{
		{"unregistered", http.StatusNotFound, `{"error":{"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`, OutcomeUnregistered},
		{"invalid token argument", http.StatusBadRequest, `{"error":{"status":"INVALID_ARGUMENT","message":"The registration token is not a valid FCM registration token"}}`, OutcomeInvalidArgument},
		{"invalid argument unrelated to token", http.StatusBadRequest, `{"error":{"status":"INVALID_ARGUMENT","message":"Invalid JSON payload received"}}`, OutcomePermanent},
		{"server error", http.StatusInternalServerError, `{}`, OutcomeTransient},
		{"quota exceeded", http.StatusTooManyRequests, `{"error":{"status":"QUOTA_EXCEEDED"}}`, OutcomeTransient},
		{"forbidden", http.StatusForbidden, `{"error":{"status":"PERMISSION_DENIED"}}`, OutcomePermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			outcome, err := client.Send(context.Background(), Target{Token: "tok"}, Message{Priority: enums.PriorityNormal})
			if outcome != tc.want {
				t.Fatalf("expected %s, got %s (err=%v)", tc.want, outcome, err)
			}
			if err == nil {
				t.Fatal("non-200 must surface an error detail")
			}
		})
	}
}

func TestOutcomeRemovesToken(t *testing.T) {
	if !OutcomeUnregistered.RemovesToken() || !OutcomeInvalidArgument.RemovesToken() {
		t.Fatal("unregistered and invalid-argument must remove tokens")
	}
	if OutcomeTransient.RemovesToken() || OutcomePermanent.RemovesToken() || OutcomeOK.RemovesToken() {
		t.Fatal("other outcomes must not remove tokens")
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("abcdefghijklmnop"); got != "abcdef...mnop" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskToken("abcdef"); got != "abcd..." {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskToken("abc"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
}
