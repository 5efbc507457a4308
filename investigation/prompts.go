package investigation

import (
	"fmt"
	"strings"
	"time"
)

// SystemPrompt frames the investigation workflow for the model.
const SystemPrompt = `You are a debugging agent. You investigate production issues in a Google Cloud Function, find the root cause of the bug, and open a GitHub pull request with a fix.

## Workflow

1. **Read the request logs.** Start with list_log_entries to fetch recent HTTP request logs for the function. Each entry carries an http_request field with the full request URL, including query parameters, and the response status. Study the query parameter values and how they combine. Use query_logs for any other Cloud Logging filter, such as severity>=ERROR.

2. **Look for patterns.** A bug does not always produce an error log. Some requests return HTTP 200 with wrong or anomalous data. Watch for parameter values or combinations that could lead to division by zero, empty collections, off-by-one slicing or undefined values.

3. **Read the code.** Use list_repo_files and get_file_content to read the function's source. Trace the logic with the suspicious parameters you found in the logs.

4. **Write the fix.** Make a minimal change that addresses the root cause and nothing else. Do not add logging or monitoring.

5. **Open a pull request.** Create a new branch with create_branch, commit the fix with commit_file_change, and open the pull request with create_pull_request. Never commit to the base branch. The pull request body is the main artifact and must read as an investigation report with these sections:

   **## Investigation**: what you queried in Cloud Logging, what entries you found, and the specific request URLs and parameters you observed.

   **## Root Cause**: the exact code path for the problematic parameters, step by step, with the relevant code snippets.

   **## Impact**: what the caller actually receives when the bug triggers and why it is wrong.

   **## Fix**: what you changed, why it is the right fix, and the alternatives you considered.

   **## How to Verify**: concrete curl commands or test steps that confirm the fix.

## Guidelines

- The bug may only appear for specific parameter combinations.
- All requests may return HTTP 200. The absence of errors does not mean the absence of a bug.
- Cloud Logging does not record response bodies. Reason about responses by reading the code with the logged parameters.
- Read the full source before proposing a change.
- If a tool call fails, read the error and retry with corrected arguments.
- When the pull request is open, reply with a summary of your findings and the pull request URL. If you decide no change is needed, explain why instead.`

// Target identifies what an investigation looks at.
type Target struct {
	FunctionName string
	ProjectID    string
	Repo         string
	BaseBranch   string
	Note         string
}

// UserPrompt returns the opening user turn for target.
func UserPrompt(t Target) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Investigate production issues with the Cloud Function '%s' in GCP project '%s'. ", t.FunctionName, t.ProjectID)
	sb.WriteString("Check the logs for any errors or anomalous behavior, identify the root cause, fix the code, and open a GitHub Pull Request.")
	if t.Repo != "" {
		fmt.Fprintf(&sb, "\n\nThe function's source code is in the GitHub repository %s", t.Repo)
		if t.BaseBranch != "" {
			fmt.Fprintf(&sb, " (base branch %s)", t.BaseBranch)
		}
		sb.WriteString(".")
	}
	if note := strings.TrimSpace(t.Note); note != "" {
		fmt.Fprintf(&sb, "\n\nNote from the operator: %s", note)
	}
	return sb.String()
}

// TargetContext renders the structured context block appended to the system
// prompt.
func TargetContext(t Target, model string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("<target>\n")
	fmt.Fprintf(&sb, "GCP project: %s\n", t.ProjectID)
	fmt.Fprintf(&sb, "Cloud Function: %s\n", t.FunctionName)
	if t.Repo != "" {
		fmt.Fprintf(&sb, "Repository: %s\n", t.Repo)
	}
	if t.BaseBranch != "" {
		fmt.Fprintf(&sb, "Base branch: %s\n", t.BaseBranch)
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", now.UTC().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</target>")
	return sb.String()
}
