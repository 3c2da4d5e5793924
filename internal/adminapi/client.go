// Package adminapi is the HTTP client for the chat API's internal
// server-to-server surface. Reporting calls never fail the caller: on any
// transport or status error they log and return empty results, since the
// fabric must keep serving sockets while the admin API is down.
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SecretHeader authenticates every internal API call.
const SecretHeader = "X-CHAT-INTERNAL-SECRET"

const basePath = "/internal-server-to-server/v1/"

// EdgeServer is one row of the chat-server/ listing.
type EdgeServer struct {
	Identifier string `json:"identifier"`
	Instances  int    `json:"instances"`
}

// RouterEndpoint is one row of the chat-central-router/ listing. PublicIP
// includes the port.
type RouterEndpoint struct {
	Identifier string `json:"identifier"`
	PublicIP   string `json:"public_ip"`
}

// Application is one row of the applications/ listing.
type Application struct {
	Identifier               string `json:"identifier"`
	IsChatActive             bool   `json:"is_chat_active"`
	MaxConcurrentOnlineUsers int    `json:"max_concurrent_online_users"`
	FirebaseServerKey        string `json:"firebase_server_key"`
}

// StatusReport is the body of chat-server-status/report-status/.
type StatusReport struct {
	Identifier            string         `json:"identifier"`
	ConnectedClientsCount int            `json:"connected_clients_count"`
	ApplicationData       map[string]int `json:"application_data"`
}

// PerformanceReport is the body of chat-server-status/report-performance/.
// Timestamps are ISO-8601 UTC with microseconds and a Z suffix.
type PerformanceReport struct {
	Identifier      string           `json:"identifier"`
	TimestampFrom   string           `json:"timestamp_from"`
	TimestampTo     string           `json:"timestamp_to"`
	PerformanceData map[string]int64 `json:"performance_data"`
}

// Client talks to the chat API.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	log     zerolog.Logger
}

// New returns a Client for the API at baseURL.
func New(baseURL, secret string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + basePath,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.With().Str("component", "adminapi").Logger(),
	}
}

// ExpectedEdgeCount sums the instances column of chat-server/. Unlike the
// reporting calls this returns errors: a router cannot pick its startup
// barrier size without it.
func (c *Client) ExpectedEdgeCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"chat-server/", nil)
	if err != nil {
		return 0, fmt.Errorf("build chat-server request: %w", err)
	}
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chat-server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chat API returned status %d for chat-server/", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read chat-server response: %w", err)
	}

	var servers []EdgeServer
	if err := json.Unmarshal(body, &servers); err != nil {
		return 0, fmt.Errorf("unmarshal chat-server response: %w", err)
	}

	count := 0
	for _, s := range servers {
		count += s.Instances
	}
	return count, nil
}

// RouterEndpoints lists the central routers an edge should be connected to.
// Returns nil on any failure.
func (c *Client) RouterEndpoints(ctx context.Context) []RouterEndpoint {
	var endpoints []RouterEndpoint
	if !c.get(ctx, "chat-central-router/", &endpoints) {
		return nil
	}
	return endpoints
}

// Applications lists the application settings. Returns nil on any failure.
func (c *Client) Applications(ctx context.Context) []Application {
	var wrapper struct {
		Results []Application `json:"results"`
	}
	if !c.get(ctx, "applications/", &wrapper) {
		return nil
	}
	return wrapper.Results
}

// ReportStatus posts a status ping. Failures are logged and dropped.
func (c *Client) ReportStatus(ctx context.Context, report StatusReport) {
	c.post(ctx, "chat-server-status/report-status/", report)
}

// ReportPerformance posts a performance ping. Failures are logged and
// dropped.
func (c *Client) ReportPerformance(ctx context.Context, report PerformanceReport) {
	c.post(ctx, "chat-server-status/report-performance/", report)
}

func (c *Client) get(ctx context.Context, path string, out any) bool {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("Failed to build chat API request")
		return false
	}
	req.Header.Set(SecretHeader, c.secret)

	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload any) bool {
	url := c.baseURL + path

	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("Failed to marshal chat API payload")
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("Failed to build chat API request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) bool {
	url := req.URL.String()

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("Cannot connect to the chat API")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusInternalServerError || resp.StatusCode == http.StatusBadGateway {
		c.log.Error().Int("status", resp.StatusCode).Str("url", url).Msg("Internal server error in the chat API")
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("Failed to read chat API response")
		return false
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("url", url).Bytes("body", body).Msg("Error status from the chat API")
		return false
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			c.log.Warn().Err(err).Str("url", url).Msg("Failed to unmarshal chat API response")
			return false
		}
	}
	return true
}
