package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	iface "DetMonitor/interface"
	"DetMonitor/logger"
	"DetMonitor/monitor"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client talks to the inference backend. It is safe for concurrent use; the
// sampling loop guarantees that at most one Submit is outstanding.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		log:  logger.Named("engine"),
	}
}

// Submit uploads one encoded frame and returns the detections of the reply.
// Every failure is either ErrNetwork or ErrBadResponse; callers keep their
// previous detections in both cases.
func (c *Client) Submit(ctx context.Context, frame iface.Frame, modelVersion string) (iface.DetectionSet, error) {
	reqID := uuid.NewString()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", reqID).
		SetMultipartField(uploadField, uploadName, "image/jpeg", bytes.NewReader(frame.Encoded)).
		Post(predictPath)
	if err != nil {
		monitor.PredictTotal.WithLabelValues("network_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode() != http.StatusOK {
		monitor.PredictTotal.WithLabelValues("bad_status").Inc()
		return nil, fmt.Errorf("%w: status %s", ErrBadResponse, resp.Status())
	}
	// decoded here rather than with SetResult: resty reports an undecodable
	// body as a request error, which would read as ErrNetwork
	var body predictResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		monitor.PredictTotal.WithLabelValues("bad_body").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if body.Detections == nil {
		monitor.PredictTotal.WithLabelValues("bad_body").Inc()
		return nil, fmt.Errorf("%w: missing detections", ErrBadResponse)
	}
	if body.Model != "" && modelVersion != "" && body.Model != modelVersion {
		c.log.Warn("backend answered with a different model",
			zap.String("requestID", reqID), zap.String("expected", modelVersion), zap.String("got", body.Model))
	}
	monitor.PredictTotal.WithLabelValues("ok").Inc()
	c.log.Debug("prediction",
		zap.String("requestID", reqID),
		zap.Int("detections", len(*body.Detections)),
		zap.Float64("backendLatencyMs", body.LatencyMs),
		zap.Duration("roundTrip", resp.Time()))
	return *body.Detections, nil
}

// SwitchModel asks the backend to load version. Any failure aborts the switch.
func (c *Client) SwitchModel(ctx context.Context, version string) error {
	var body switchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString()).
		SetQueryParam("version", version).
		Post(switchPath)
	if err != nil {
		monitor.SwitchTotal.WithLabelValues("offline").Inc()
		return fmt.Errorf("%w: %v", ErrBackendOffline, err)
	}
	if resp.IsError() {
		monitor.SwitchTotal.WithLabelValues("offline").Inc()
		return fmt.Errorf("%w: status %s", ErrBackendOffline, resp.Status())
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		monitor.SwitchTotal.WithLabelValues("offline").Inc()
		return fmt.Errorf("%w: %v", ErrBackendOffline, err)
	}
	if body.Error != "" {
		monitor.SwitchTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", ErrInvalidModel, body.Error)
	}
	monitor.SwitchTotal.WithLabelValues("ok").Inc()
	c.log.Info("model switched", zap.String("version", version), zap.String("message", body.Message))
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	var body healthResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&body).Get(healthPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendOffline, err)
	}
	if resp.IsError() || body.Status != "ok" {
		return fmt.Errorf("%w: health %s %q", ErrBackendOffline, resp.Status(), body.Status)
	}
	return nil
}
