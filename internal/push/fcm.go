package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

	// notificationTitle is what recipients see in the system tray.
	notificationTitle = "New message from in chat room"
)

// FCMClient talks to the Firebase Cloud Messaging legacy HTTP API. Applications carry their own server key, so the
// key is a per-call argument rather than client state.
type FCMClient struct {
	httpClient *http.Client
	endpoint   string
}

// NewFCM builds a sender against apiURL, or against the production legacy
// endpoint when apiURL is empty.
func NewFCM(apiURL string) *FCMClient {
	if apiURL == "" {
		apiURL = fcmEndpoint
	}
	return &FCMClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		endpoint:   apiURL,
	}
}

type fcmRequest struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
	Data         Notification    `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int               `json:"success"`
	Failure int               `json:"failure"`
	Results []json.RawMessage `json:"results"`
}

// Notify pushes a single notification to the device registered under token, authenticating with the application's
// server key.
func (c *FCMClient) Notify(ctx context.Context, serverKey, token string, n Notification) error {
	payload, err := json.Marshal(fcmRequest{
		To:           token,
		Notification: fcmNotification{Title: notificationTitle, Body: n.Message},
		Data:         n,
	})
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+serverKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read fcm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result fcmResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode fcm response: %w", err)
	}
	if result.Success == 0 && result.Failure > 0 {
		details, _ := json.Marshal(result.Results)
		return fmt.Errorf("fcm delivery failed: %s", details)
	}

	return nil
}
