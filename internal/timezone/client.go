// Package timezone resolves IANA zone names for coordinates through a
// TimeZoneDB compatible position lookup API.
package timezone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.timezonedb.com"

// APIError carries the provider's own failure description.
type APIError struct {
	HTTPStatus int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no message"
	}
	if e.Status != "" {
		return fmt.Sprintf("timezone api status %s: %s", e.Status, msg)
	}
	return fmt.Sprintf("timezone api http %d: %s", e.HTTPStatus, msg)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client looks up zones by position.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type lookupResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	ZoneName    string `json:"zoneName"`
	GMTOffset   int    `json:"gmtOffset"`
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lookup returns the zone name at a position. Only a response with status
// OK and a non-empty zone counts as success.
func (c *Client) Lookup(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("format", "json")
	q.Set("by", "position")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', 6, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2.1/get-time-zone?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("timezone request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read timezone response: %w", err)
	}

	var out lookupResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Status: out.Status, Message: out.Message}
		if decodeErr != nil {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return "", apiErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode timezone response: %w", decodeErr)
	}
	if out.Status != "OK" {
		return "", &APIError{HTTPStatus: resp.StatusCode, Status: out.Status, Message: out.Message}
	}
	if out.ZoneName == "" {
		return "", &APIError{HTTPStatus: resp.StatusCode, Status: out.Status, Message: "empty zone name"}
	}
	return out.ZoneName, nil
}
