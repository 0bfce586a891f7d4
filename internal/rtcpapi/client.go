// Package rtcpapi is the HTTP client for the RTCP notification and ads service.
package rtcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vanso/rtcp/internal/notification"
)

const (
	BaseURLTest       = "https://rtcp-staging.vanso.com/api/"
	BaseURLProduction = "https://rtcp.vanso.com/api/"

	appIDHeader = "AUTH-APP-ID"
)

// ErrNotProcessed is returned when the server answers 2xx but does not
// acknowledge the request with "processed": true.
var ErrNotProcessed = errors.New("request not processed by rtcp server")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Ad is one banner returned for an ad zone.
type Ad struct {
	BannerID string `json:"bannerid"`
	ImageURL string `json:"imageurl"`
	URL      string `json:"url"`
	Width    string `json:"width,omitempty"`
	Height   string `json:"height,omitempty"`
}

// AspectRatio is width/height, or 0 when either is unknown.
func (a Ad) AspectRatio() float64 {
	w, errW := strconv.ParseFloat(strings.TrimSpace(a.Width), 64)
	h, errH := strconv.ParseFloat(strings.TrimSpace(a.Height), 64)
	if errW != nil || errH != nil || h == 0 {
		return 0
	}
	return w / h
}

type Client struct {
	baseURL    string
	appID      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
}

func NewClient(baseURL, appID string, httpClient *http.Client) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = BaseURLTest
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		appID:      strings.TrimSpace(appID),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		now:        time.Now,
	}
}

// BaseURLFor picks the production or staging endpoint.
func BaseURLFor(production bool) string {
	if production {
		return BaseURLProduction
	}
	return BaseURLTest
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) AppID() string {
	return c.appID
}

func (c *Client) RegisterDevice(ctx context.Context, device notification.Device) error {
	body := map[string]any{"device": device}
	return c.doJSON(ctx, http.MethodPost, "devices/register_device", body, nil)
}

func (c *Client) UnregisterDevice(ctx context.Context, device notification.Device) error {
	body := map[string]any{"device": device}
	return c.doJSON(ctx, http.MethodPost, "devices/unregister_device", body, nil)
}

// UpdateNotificationRemoteStatus reports received/read/tapped for one or more
// push ids. A single id is sent as a string, several as an array.
func (c *Client) UpdateNotificationRemoteStatus(ctx context.Context, hardwareID string, pushIDs []string, status notification.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", notification.ErrInvalidStatus, status)
	}
	if len(pushIDs) == 0 {
		return nil
	}
	var pushID any = pushIDs
	if len(pushIDs) == 1 {
		pushID = pushIDs[0]
	}
	body := map[string]any{
		"hardware_id": hardwareID,
		"push_id":     pushID,
		"time":        c.now().UTC().Format(time.RFC3339Nano),
	}
	return c.doJSON(ctx, http.MethodPost, "read_receipt/"+string(status), body, nil)
}

func (c *Client) GetRecentNotifications(ctx context.Context, hardwareID string, count int) ([]notification.Item, error) {
	q := url.Values{}
	q.Set("hardware_id", hardwareID)
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var out struct {
		Notifications []notification.Item `json:"notifications"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "notifications?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

func (c *Client) DeleteNotification(ctx context.Context, hardwareID, pushID string) error {
	body := map[string]any{
		"hardware_id": hardwareID,
		"push_id":     pushID,
	}
	return c.doJSON(ctx, http.MethodPost, "notifications/delete", body, nil)
}

func (c *Client) DeleteAllNotifications(ctx context.Context, hardwareID string) error {
	body := map[string]any{"hardware_id": hardwareID}
	return c.doJSON(ctx, http.MethodPost, "notifications/delete_all", body, nil)
}

// GetAdImageData returns the banner currently scheduled for zoneID.
func (c *Client) GetAdImageData(ctx context.Context, zoneID string) (Ad, error) {
	var out struct {
		Ad Ad `json:"ad"`
	}
	err := c.doJSON(ctx, http.MethodGet, "ads/"+url.PathEscape(zoneID), nil, &out)
	return out.Ad, err
}

// GetAllAdImageData returns every banner of zoneID, in carousel order.
func (c *Client) GetAllAdImageData(ctx context.Context, zoneID string) ([]Ad, error) {
	var out struct {
		Ads []Ad `json:"ads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "ads/"+url.PathEscape(zoneID)+"/all", nil, &out); err != nil {
		return nil, err
	}
	return out.Ads, nil
}

// doJSON sends one API call. Only GETs are retried: the POST endpoints record
// receipts, registrations and deletions, and repeating one after a lost
// response would record it twice.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 1; ; attempt++ {
		resp, payload, err := c.send(ctx, method, requestPath, bodyBytes)
		transient := err != nil || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if transient && attempt <= retries && ctx.Err() == nil {
			var header http.Header
			if resp != nil {
				header = resp.Header
			}
			if err := pause(ctx, c.backoff(attempt, header)); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return decodeProcessed(payload, out)
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) send(ctx context.Context, method, requestPath string, body []byte) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set(appIDHeader, c.appID)
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", requestPath, err)
	}
	return resp, payload, nil
}

func decodeProcessed(payload []byte, out any) error {
	var ack struct {
		Processed bool `json:"processed"`
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrNotProcessed
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !ack.Processed {
		return ErrNotProcessed
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func correlationID() string {
	return "rtcp_" + uuid.NewString()
}

// backoff doubles baseDelay per attempt. A Retry-After from the server wins;
// both are capped at maxDelay.
func (c *Client) backoff(attempt int, header http.Header) time.Duration {
	limit := c.maxDelay
	if limit <= 0 {
		limit = 2 * time.Second
	}
	if wait, ok := retryAfter(header, c.now()); ok {
		return min(wait, limit)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for n := 1; n < attempt && delay < limit; n++ {
		delay *= 2
	}
	return min(delay, limit)
}

// retryAfter reads Retry-After as delta seconds or an HTTP date.
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(secs, 0)) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
