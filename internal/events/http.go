package events

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
)

// HTTPSink posts each event as a flat JSON log record to an event-logger
// service at <baseURL>/log.
//
// The record carries level, message, app_name and timestamp, followed by
// user_id and every event attribute as top-level fields.
type HTTPSink struct {
	url     string
	appName string
	client  *http.Client
}

var _ Sink = (*HTTPSink)(nil)

// HTTPOption configures an [HTTPSink].
type HTTPOption func(*HTTPSink)

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) { s.client = c }
}

// NewHTTPSink returns a sink for the logger service at baseURL.
func NewHTTPSink(baseURL, appName string, opts ...HTTPOption) (*HTTPSink, error) {
	if baseURL == "" {
		return nil, errors.New("events: http sink: base url must not be empty")
	}
	s := &HTTPSink{
		url:     strings.TrimRight(baseURL, "/") + "/log",
		appName: appName,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Send implements [Sink]. Every event is attempted; the errors of failed
// posts are joined.
func (s *HTTPSink) Send(ctx context.Context, batch []Event) error {
	var errs []error
	for _, e := range batch {
		if err := s.post(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *HTTPSink) post(ctx context.Context, e Event) error {
	record := make(map[string]any, len(e.Attrs)+5)
	for k, v := range e.Attrs {
		record[k] = v
	}
	record["level"] = e.Type.Level()
	record["message"] = string(e.Type)
	record["app_name"] = s.appName
	record["timestamp"] = e.Time.UTC().Format(time.RFC3339Nano)
	if e.UserID != "" {
		record["user_id"] = e.UserID
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("events: http sink: marshal %s: %w", e.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: http sink: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("events: http sink: post %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events: http sink: post %s: status %d", e.Type, resp.StatusCode)
	}
	return nil
}
