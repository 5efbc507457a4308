// Package tools provides the investigation tools offered to the model.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/martinemde/debugagent/agentloop"
	"github.com/martinemde/debugagent/cloudlog"
	"github.com/martinemde/debugagent/repo"
)

// LogSource reads production logs.
type LogSource interface {
	Query(ctx context.Context, filter string, limit int) ([]cloudlog.Entry, error)
	RequestLogs(ctx context.Context, service string, since time.Time, limit int) ([]cloudlog.Entry, error)
}

// Repository reads and writes the service's source repository.
type Repository interface {
	BaseBranch() string
	ListFiles(ctx context.Context, dir string) ([]repo.FileInfo, error)
	GetFileContent(ctx context.Context, path, ref string) (string, error)
	CreateBranch(ctx context.Context, name string) (*repo.Branch, error)
	CommitFile(ctx context.Context, path, content, message, branch string) (*repo.CommitResult, error)
	CreatePullRequest(ctx context.Context, title, body, head, base string) (*repo.PullRequest, error)
}

// Deps are the collaborators the tools act on.
type Deps struct {
	Logs LogSource
	Repo Repository
	Now  func() time.Time
}

// Specs returns every tool in catalogue order.
func Specs(d Deps) []agentloop.ToolSpec {
	if d.Now == nil {
		d.Now = time.Now
	}
	return []agentloop.ToolSpec{
		queryLogsSpec(d.Logs),
		listLogEntriesSpec(d.Logs, d.Now),
		listRepoFilesSpec(d.Repo),
		getFileContentSpec(d.Repo),
		createBranchSpec(d.Repo),
		commitFileChangeSpec(d.Repo),
		createPullRequestSpec(d.Repo),
	}
}

// Register adds every tool to reg.
func Register(reg *agentloop.Registry, d Deps) error {
	for _, spec := range Specs(d) {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// handler adapts a typed tool function to agentloop.ToolFunc.
func handler[T any](fn func(ctx context.Context, args T) (any, error)) agentloop.ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := Bind[T](raw)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}
