package tools

import (
	"context"

	"github.com/martinemde/debugagent/agentloop"
)

// ListRepoFilesArgs are the arguments of list_repo_files.
type ListRepoFilesArgs struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list, relative to the repository root. Empty lists the root."`
}

// GetFileContentArgs are the arguments of get_file_content.
type GetFileContentArgs struct {
	Path string `json:"path" validate:"required" jsonschema_description:"File path relative to the repository root"`
	Ref  string `json:"ref,omitempty" jsonschema_description:"Branch, tag or commit to read from. Defaults to the base branch."`
}

// CreateBranchArgs are the arguments of create_branch.
type CreateBranchArgs struct {
	BranchName string `json:"branch_name" validate:"required,excludesall= ~^:?*[\\" jsonschema_description:"Name of the new branch, e.g. fix/checkout-keyerror"`
}

// CommitFileChangeArgs are the arguments of commit_file_change.
type CommitFileChangeArgs struct {
	Path    string `json:"path" validate:"required" jsonschema_description:"File path relative to the repository root"`
	Content string `json:"content" jsonschema_description:"The complete new content of the file"`
	Message string `json:"message" validate:"required" jsonschema_description:"Commit message"`
	Branch  string `json:"branch" validate:"required" jsonschema_description:"Branch to commit to. Never the base branch."`
}

// CreatePullRequestArgs are the arguments of create_pull_request.
type CreatePullRequestArgs struct {
	Title      string `json:"title" validate:"required" jsonschema_description:"Pull request title"`
	Body       string `json:"body" validate:"required" jsonschema_description:"Markdown body with Investigation, Root Cause, Impact, Fix and How to Verify sections"`
	HeadBranch string `json:"head_branch" validate:"required" jsonschema_description:"Branch containing the fix"`
	BaseBranch string `json:"base_branch,omitempty" jsonschema_description:"Branch to merge into. Defaults to the repository's base branch."`
}

func listRepoFilesSpec(r Repository) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "list_repo_files",
		Description: "List files and directories at a path in the repository's base branch. Returns name, path, type (file or dir) and size.",
		Parameters:  SchemaFor[ListRepoFilesArgs](),
		Execute: handler(func(ctx context.Context, a ListRepoFilesArgs) (any, error) {
			return r.ListFiles(ctx, a.Path)
		}),
	}
}

func getFileContentSpec(r Repository) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "get_file_content",
		Description: "Read the full text of a file from the repository.",
		Parameters:  SchemaFor[GetFileContentArgs](),
		Execute: handler(func(ctx context.Context, a GetFileContentArgs) (any, error) {
			return r.GetFileContent(ctx, a.Path, a.Ref)
		}),
	}
}

func createBranchSpec(r Repository) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "create_branch",
		Description: "Create a new branch from the head of the base branch. Do this before committing a fix.",
		Parameters:  SchemaFor[CreateBranchArgs](),
		Execute: handler(func(ctx context.Context, a CreateBranchArgs) (any, error) {
			return r.CreateBranch(ctx, a.BranchName)
		}),
	}
}

func commitFileChangeSpec(r Repository) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "commit_file_change",
		Description: "Commit the complete new content of one file to a branch. Creates the file if it does not exist. Commits to the base branch are rejected.",
		Parameters:  SchemaFor[CommitFileChangeArgs](),
		Execute: handler(func(ctx context.Context, a CommitFileChangeArgs) (any, error) {
			return r.CommitFile(ctx, a.Path, a.Content, a.Message, a.Branch)
		}),
	}
}

func createPullRequestSpec(r Repository) agentloop.ToolSpec {
	return agentloop.ToolSpec{
		Name:        "create_pull_request",
		Description: "Open a pull request from the fix branch into the base branch.",
		Parameters:  SchemaFor[CreatePullRequestArgs](),
		Execute: handler(func(ctx context.Context, a CreatePullRequestArgs) (any, error) {
			base := a.BaseBranch
			if base == "" {
				base = r.BaseBranch()
			}
			return r.CreatePullRequest(ctx, a.Title, a.Body, a.HeadBranch, base)
		}),
	}
}
