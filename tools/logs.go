package tools

import (
	"context"
	"time"

	"github.com/martinemde/debugagent/agentloop"
)

const defaultLogLimit = 50

// QueryLogsArgs are the arguments of query_logs.
type QueryLogsArgs struct {
	FilterStr string `json:"filter_str" validate:"required" jsonschema_description:"Cloud Logging filter expression, e.g. severity>=ERROR AND resource.type=\"cloud_run_revision\""`
	Limit     int    `json:"limit,omitempty" validate:"gte=0,lte=1000" jsonschema:"default=50,minimum=1,maximum=1000" jsonschema_description:"Maximum number of entries to return, newest first"`
}

func (a *QueryLogsArgs) applyDefaults() {
	if a.Limit == 0 {
		a.Limit = defaultLogLimit
	}
}

// ListLogEntriesArgs are the arguments of list_log_entries.
type ListLogEntriesArgs struct {
	FunctionName string `json:"function_name" validate:"required" jsonschema_description:"Name of the Cloud Run service or Cloud Function"`
	HoursAgo     int    `json:"hours_ago,omitempty" validate:"gte=0,lte=720" jsonschema:"default=24,minimum=1,maximum=720" jsonschema_description:"How far back to look, in hours"`
	Limit        int    `json:"limit,omitempty" validate:"gte=0,lte=1000" jsonschema:"default=50,minimum=1,maximum=1000" jsonschema_description:"Maximum number of entries to return, newest first"`
}

func (a *ListLogEntriesArgs) applyDefaults() {
	if a.HoursAgo == 0 {
		a.HoursAgo = 24
	}
	if a.Limit == 0 {
		a.Limit = defaultLogLimit
	}
}

func queryLogsSpec(logs LogSource) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "query_logs",
		Description: "Run an arbitrary Google Cloud Logging filter against the project and return matching entries, newest first. Use it to search for errors, stack traces and specific request ids.",
		Parameters:  SchemaFor[QueryLogsArgs](),
		Execute: handler(func(ctx context.Context, a QueryLogsArgs) (any, error) {
			return logs.Query(ctx, a.FilterStr, a.Limit)
		}),
	}
}

func listLogEntriesSpec(logs LogSource, now func() time.Time) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "list_log_entries",
		Description: "List recent request log entries of a Cloud Run service or Cloud Function, newest first, including HTTP method, URL, status and latency.",
		Parameters:  SchemaFor[ListLogEntriesArgs](),
		Execute: handler(func(ctx context.Context, a ListLogEntriesArgs) (any, error) {
			since := now().Add(-time.Duration(a.HoursAgo) * time.Hour)
			return logs.RequestLogs(ctx, a.FunctionName, since, a.Limit)
		}),
	}
}
