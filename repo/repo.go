// Package repo reads and writes a GitHub repository on behalf of the agent.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/go-github/v62/github"
)

var (
	// ErrNotFound is returned when a path or ref does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProtectedBranch is returned for writes targeting the base branch.
	ErrProtectedBranch = errors.New("writes to the base branch are not allowed")
)

// FileInfo describes one entry of a directory listing.
type FileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// Branch is a newly created branch.
type Branch struct {
	Name string `json:"branch"`
	SHA  string `json:"sha"`
	From string `json:"from"`
}

// CommitResult describes a file commit.
type CommitResult struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	SHA    string `json:"commit_sha"`
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

// PullRequest is a newly opened pull request.
type PullRequest struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
	Title  string `json:"title"`
}

// Option configures a Client.
type Option func(*Client) error

// WithCache enables read-through caching of listings and file content.
func WithCache(c Cache) Option {
	return func(cl *Client) error {
		cl.cache = c
		return nil
	}
}

// WithBaseURL points the client at a different API root, such as GitHub
// Enterprise or a test server.
func WithBaseURL(raw string) Option {
	return func(cl *Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parsing GitHub base URL: %w", err)
		}
		cl.gh.BaseURL = u
		return nil
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(cl *Client) error {
		base := cl.gh.BaseURL
		cl.gh = github.NewClient(hc).WithAuthToken(cl.token)
		cl.gh.BaseURL = base
		return nil
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) error {
		cl.logger = l
		return nil
	}
}

// Client operates on a single repository.
type Client struct {
	gh         *github.Client
	token      string
	owner      string
	name       string
	baseBranch string
	cache      Cache
	logger     *slog.Logger
}

// New creates a Client for fullName ("owner/name").
func New(token, fullName, baseBranch string, opts ...Option) (*Client, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("repository must be owner/name, got %q", fullName)
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	c := &Client{
		gh:         github.NewClient(nil).WithAuthToken(token),
		token:      token,
		owner:      owner,
		name:       name,
		baseBranch: baseBranch,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FullName returns "owner/name".
func (c *Client) FullName() string { return c.owner + "/" + c.name }

// BaseBranch returns the branch pull requests target by default.
func (c *Client) BaseBranch() string { return c.baseBranch }

// ListFiles lists a directory on the base branch. A file path yields a
// single entry.
func (c *Client) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	dir = cleanPath(dir)
	key := listKey(c.baseBranch, dir)
	if cached, ok := c.cacheGet(ctx, key); ok {
		var files []FileInfo
		if err := json.Unmarshal([]byte(cached), &files); err == nil {
			return files, nil
		}
	}

	file, entries, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.name, dir,
		&github.RepositoryContentGetOptions{Ref: c.baseBranch})
	if err != nil {
		return nil, c.wrap(err, "listing %q", displayPath(dir))
	}

	var files []FileInfo
	if file != nil {
		files = []FileInfo{toFileInfo(file)}
	} else {
		files = make([]FileInfo, 0, len(entries))
		for _, e := range entries {
			files = append(files, toFileInfo(e))
		}
	}

	if data, err := json.Marshal(files); err == nil {
		c.cacheSet(ctx, key, string(data))
	}
	return files, nil
}

// GetFileContent returns the decoded content of a file at ref, or at the
// base branch when ref is empty.
func (c *Client) GetFileContent(ctx context.Context, filePath, ref string) (string, error) {
	filePath = cleanPath(filePath)
	if ref == "" {
		ref = c.baseBranch
	}
	key := contentKey(ref, filePath)
	if cached, ok := c.cacheGet(ctx, key); ok {
		return cached, nil
	}

	file, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.name, filePath,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", c.wrap(err, "reading %q at %s", filePath, ref)
	}
	if file == nil {
		return "", fmt.Errorf("%q is a directory, not a file", filePath)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %q: %w", filePath, err)
	}

	c.cacheSet(ctx, key, content)
	return content, nil
}

// CreateBranch creates name from the head of the base branch.
func (c *Client) CreateBranch(ctx context.Context, name string) (*Branch, error) {
	name = strings.TrimPrefix(name, "refs/heads/")
	if name == c.baseBranch {
		return nil, fmt.Errorf("creating branch %q: %w", name, ErrProtectedBranch)
	}

	base, _, err := c.gh.Git.GetRef(ctx, c.owner, c.name, "refs/heads/"+c.baseBranch)
	if err != nil {
		return nil, c.wrap(err, "resolving base branch %s", c.baseBranch)
	}
	sha := base.GetObject().GetSHA()

	_, _, err = c.gh.Git.CreateRef(ctx, c.owner, c.name, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err != nil {
		return nil, c.wrap(err, "creating branch %s", name)
	}

	c.logger.Info("created branch", "repo", c.FullName(), "branch", name, "sha", sha)
	return &Branch{Name: name, SHA: sha, From: c.baseBranch}, nil
}

// CommitFile writes content to filePath on branch, updating the file when it
// exists and creating it otherwise.
func (c *Client) CommitFile(ctx context.Context, filePath, content, message, branch string) (*CommitResult, error) {
	filePath = cleanPath(filePath)
	if branch == "" || branch == c.baseBranch {
		return nil, fmt.Errorf("committing %q: %w", filePath, ErrProtectedBranch)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}

	action := "created"
	existing, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.name, filePath,
		&github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing == nil:
		return nil, fmt.Errorf("%q is a directory, not a file", filePath)
	case err == nil:
		opts.SHA = existing.SHA
		action = "updated"
	case !isNotFound(err):
		return nil, c.wrap(err, "reading %q on %s", filePath, branch)
	}

	var resp *github.RepositoryContentResponse
	if action == "updated" {
		resp, _, err = c.gh.Repositories.UpdateFile(ctx, c.owner, c.name, filePath, opts)
	} else {
		resp, _, err = c.gh.Repositories.CreateFile(ctx, c.owner, c.name, filePath, opts)
	}
	if err != nil {
		return nil, c.wrap(err, "committing %q to %s", filePath, branch)
	}

	c.invalidate(ctx, branch, filePath)
	c.logger.Info("committed file", "repo", c.FullName(), "branch", branch, "path", filePath, "action", action)
	return &CommitResult{
		Path:   filePath,
		Branch: branch,
		SHA:    resp.Commit.GetSHA(),
		Action: action,
		URL:    resp.Commit.GetHTMLURL(),
	}, nil
}

// CreatePullRequest opens a pull request from head into base, or into the
// base branch when base is empty.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	if base == "" {
		base = c.baseBranch
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.name, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, c.wrap(err, "opening pull request %s -> %s", head, base)
	}
	c.logger.Info("opened pull request", "repo", c.FullName(), "number", pr.GetNumber())
	return &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Title: pr.GetTitle()}, nil
}

func (c *Client) wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		detail := ghErr.Message
		for _, e := range ghErr.Errors {
			if e.Message != "" {
				detail += "; " + e.Message
			}
		}
		if ghErr.Response == nil {
			return fmt.Errorf("%s: GitHub API: %s", msg, detail)
		}
		return fmt.Errorf("%s: GitHub API %d: %s", msg, ghErr.Response.StatusCode, detail)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

func (c *Client) cacheGet(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	return c.cache.Get(ctx, c.FullName()+":"+key)
}

func (c *Client) cacheSet(ctx context.Context, key, value string) {
	if c.cache != nil {
		c.cache.Set(ctx, c.FullName()+":"+key, value)
	}
}

// invalidate drops cached reads a commit to filePath on branch makes stale.
func (c *Client) invalidate(ctx context.Context, branch, filePath string) {
	if c.cache == nil {
		return
	}
	dir := path.Dir(filePath)
	if dir == "." {
		dir = ""
	}
	prefix := c.FullName() + ":"
	c.cache.Delete(ctx,
		prefix+contentKey(branch, filePath),
		prefix+listKey(branch, dir),
		prefix+listKey(branch, filePath),
	)
}

func toFileInfo(rc *github.RepositoryContent) FileInfo {
	return FileInfo{
		Name: rc.GetName(),
		Path: rc.GetPath(),
		Type: rc.GetType(),
		Size: rc.GetSize(),
	}
}

func contentKey(ref, p string) string { return "content:" + ref + ":" + p }
func listKey(ref, p string) string    { return "list:" + ref + ":" + p }

func cleanPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
