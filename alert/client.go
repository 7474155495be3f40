package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	iface "DetMonitor/interface"

	"github.com/go-resty/resty/v2"
)

const (
	fetchPath  = "/get_alerts"
	clearPath  = "/clear_alerts"
	healthPath = "/health"
)

var (
	ErrFeedUnavailable = errors.New("alert feed unavailable")
	ErrFeedMalformed   = errors.New("alert feed returned a malformed log")
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Client reads and clears the incident feed. The feed returns its log newest
// first as a bare JSON array.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout)}
}

func (c *Client) Fetch(ctx context.Context) ([]iface.Alert, error) {
	var alerts []iface.Alert
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&alerts).
		Get(fetchPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %s", ErrFeedUnavailable, resp.Status())
	}
	if alerts == nil && !bytes.Equal(bytes.TrimSpace(resp.Body()), []byte("[]")) {
		return nil, fmt.Errorf("%w: %q", ErrFeedMalformed, resp.Body())
	}
	return alerts, nil
}

func (c *Client) Clear(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post(clearPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %s", ErrFeedUnavailable, resp.Status())
	}
	return nil
}

// Health accepts any 2xx reply carrying a status.
func (c *Client) Health(ctx context.Context) error {
	var body healthResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&body).Get(healthPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	if resp.IsError() || body.Status == "" {
		return fmt.Errorf("%w: health %s", ErrFeedUnavailable, resp.Status())
	}
	return nil
}
