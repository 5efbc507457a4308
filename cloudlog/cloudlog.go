// Package cloudlog reads entries from Google Cloud Logging.
package cloudlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	logging "google.golang.org/api/logging/v2"
	"google.golang.org/api/option"
)

// maxPageSize is the largest page entries.list accepts.
const maxPageSize = 1000

// Entry is the subset of a log entry handed to the model.
type Entry struct {
	Timestamp   string          `json:"timestamp"`
	Severity    string          `json:"severity,omitempty"`
	LogName     string          `json:"log_name,omitempty"`
	Resource    *Resource       `json:"resource,omitempty"`
	TextPayload string          `json:"text_payload,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	HTTPRequest *HTTPRequest    `json:"http_request,omitempty"`
}

// Resource identifies the monitored resource that wrote an entry.
type Resource struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
}

// HTTPRequest is the request metadata attached to request logs.
type HTTPRequest struct {
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
	Status    int64  `json:"status,omitempty"`
	Latency   string `json:"latency,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Client lists entries for one project.
type Client struct {
	svc       *logging.Service
	projectID string
	logger    *slog.Logger
}

// New creates a Client. Credentials and endpoints are supplied through opts,
// e.g. option.WithCredentialsFile.
func New(ctx context.Context, projectID string, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("cloudlog: project id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.ClientOption{option.WithScopes(logging.LoggingReadScope)}, opts...)
	svc, err := logging.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudlog: creating logging service: %w", err)
	}
	return &Client{svc: svc, projectID: projectID, logger: logger}, nil
}

// ProjectID returns the project the client reads from.
func (c *Client) ProjectID() string { return c.projectID }

// Query returns up to limit entries matching filter, newest first.
func (c *Client) Query(ctx context.Context, filter string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	entries := make([]Entry, 0, limit)
	req := &logging.ListLogEntriesRequest{
		ResourceNames: []string{"projects/" + c.projectID},
		Filter:        filter,
		OrderBy:       "timestamp desc",
	}
	for len(entries) < limit {
		req.PageSize = int64(min(limit-len(entries), maxPageSize))
		resp, err := c.svc.Entries.List(req).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("listing log entries: %w", err)
		}
		for _, e := range resp.Entries {
			entries = append(entries, convertEntry(e))
			if len(entries) == limit {
				break
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}

	c.logger.Debug("queried logs", "filter", filter, "entries", len(entries))
	return entries, nil
}

// RequestLogs returns the Cloud Run request logs of service written since
// the given time, newest first.
func (c *Client) RequestLogs(ctx context.Context, service string, since time.Time, limit int) ([]Entry, error) {
	return c.Query(ctx, RequestLogFilter(c.projectID, service, since), limit)
}

// RequestLogFilter builds the filter selecting a Cloud Run service's request
// log since the given time.
func RequestLogFilter(projectID, service string, since time.Time) string {
	logName := fmt.Sprintf("projects/%s/logs/%s", projectID, url.QueryEscape("run.googleapis.com/requests"))
	return fmt.Sprintf(
		`resource.type="cloud_run_revision" resource.labels.service_name=%q logName=%q timestamp>=%q`,
		service, logName, since.UTC().Format(time.RFC3339),
	)
}

func convertEntry(e *logging.LogEntry) Entry {
	out := Entry{
		Timestamp:   e.Timestamp,
		Severity:    e.Severity,
		LogName:     e.LogName,
		TextPayload: e.TextPayload,
	}
	if e.Resource != nil {
		out.Resource = &Resource{Type: e.Resource.Type, Labels: e.Resource.Labels}
	}
	switch {
	case len(e.JsonPayload) > 0:
		out.Payload = json.RawMessage(e.JsonPayload)
	case len(e.ProtoPayload) > 0:
		out.Payload = json.RawMessage(e.ProtoPayload)
	}
	if r := e.HttpRequest; r != nil {
		out.HTTPRequest = &HTTPRequest{
			Method:    r.RequestMethod,
			URL:       r.RequestUrl,
			Status:    r.Status,
			Latency:   r.Latency,
			UserAgent: r.UserAgent,
		}
	}
	return out
}
