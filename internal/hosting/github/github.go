// Package github implements hosting.Provider over the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/orca-dev/orca/internal/hosting"
)

var _ hosting.Provider = (*GitHubProvider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// mergeRetryAttempts and mergeRetryDelay implement the
// get_merge_commit_sha retry ("retry up to 3x with 2s spacing to absorb
// the code-host's post-merge propagation delay").
const (
	mergeRetryAttempts = 3
	mergeRetryDelay    = 2 * time.Second
)

// maxWorkflowRuns bounds get_workflow_run_status to the 20 most-recent
// runs on a commit.
const maxWorkflowRuns = 20

// GitHubProvider implements hosting.Provider using the go-github library.
type GitHubProvider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

func newProvider(workDir string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	remoteURL, err := gitRemoteURL(workDir)
	if err != nil {
		return nil, err
	}

	owner, repo := hosting.ParseOwnerRepo(remoteURL)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("could not parse owner/repo from remote URL: %s", remoteURL)
	}

	httpClient := &http.Client{
		Transport: &oauth2Transport{token: token},
	}
	client := gogithub.NewClient(httpClient)

	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(baseURL + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, parseErr)
		}
		client.UploadURL, parseErr = client.UploadURL.Parse(baseURL + "/api/uploads/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, parseErr)
		}
	}

	return &GitHubProvider{client: client, owner: owner, repo: repo}, nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (g *GitHubProvider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *GitHubProvider) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: %v", hosting.ErrAuthFailed, err)
	}
	return nil
}

// FindPRByBranch finds a PR for a given branch in any state (open,
// closed, or merged).
func (g *GitHubProvider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &gogithub.PullRequestListOptions{
		Head:        g.owner + ":" + branch,
		State:       "all",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}

	if len(prs) == 0 {
		return nil, hosting.ErrNoPRFound
	}

	return mapPR(prs[0]), nil
}

// GetMergeCommitSHA returns the merge commit SHA for prNumber, retrying
// to absorb GitHub's post-merge propagation delay.
func (g *GitHubProvider) GetMergeCommitSHA(ctx context.Context, prNumber int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= mergeRetryAttempts; attempt++ {
		pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, prNumber)
		if err != nil {
			lastErr = err
		} else if pr.GetMerged() && pr.GetMergeCommitSHA() != "" {
			return pr.GetMergeCommitSHA(), nil
		} else {
			lastErr = hosting.ErrNotMerged
		}

		if attempt < mergeRetryAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(mergeRetryDelay):
			}
		}
	}
	return "", fmt.Errorf("get merge commit sha for PR %d after %d attempts: %w", prNumber, mergeRetryAttempts, lastErr)
}

// GetWorkflowRunStatus aggregates the most recent check runs for sha.
func (g *GitHubProvider) GetWorkflowRunStatus(ctx context.Context, sha string) (hosting.WorkflowStatus, error) {
	result, _, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, sha, &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: maxWorkflowRuns},
	})
	if err != nil {
		return "", fmt.Errorf("get workflow run status for %q: %w", sha, err)
	}

	if len(result.CheckRuns) == 0 {
		return hosting.WorkflowNoRuns, nil
	}

	runs := result.CheckRuns
	if len(runs) > maxWorkflowRuns {
		runs = runs[:maxWorkflowRuns]
	}

	return aggregateCheckRuns(runs), nil
}

// aggregateCheckRuns applies a fixed precedence: any queued/in-progress
// run wins first, then any failing conclusion, then success.
func aggregateCheckRuns(runs []*gogithub.CheckRun) hosting.WorkflowStatus {
	sawFailure := false
	for _, r := range runs {
		switch r.GetStatus() {
		case "queued", "in_progress", "waiting", "pending", "requested":
			return hosting.WorkflowInProgress
		}
		switch r.GetConclusion() {
		case "failure", "cancelled", "timed_out", "action_required":
			sawFailure = true
		}
	}
	if sawFailure {
		return hosting.WorkflowFailure
	}
	return hosting.WorkflowSuccess
}

// CloseSupersededPRs closes every open PR whose branch is an older
// attempt at taskID, excluding currentPR. Comments before closing; a
// failed comment skips the close for that PR.
func (g *GitHubProvider) CloseSupersededPRs(ctx context.Context, taskID string, currentPR int) error {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return fmt.Errorf("list open PRs: %w", err)
	}

	for _, pr := range prs {
		number := pr.GetNumber()
		branch := pr.GetHead().GetRef()
		if number == currentPR || !hosting.IsSupersededBranch(branch, taskID) {
			continue
		}

		comment := &gogithub.IssueComment{
			Body: gogithub.Ptr(fmt.Sprintf("Superseded by #%d", currentPR)),
		}
		if _, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, comment); err != nil {
			slog.Warn("close superseded PR: comment failed, skipping close", "pr", number, "error", err)
			continue
		}

		update := &gogithub.PullRequest{State: gogithub.Ptr("closed")}
		if _, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, number, update); err != nil {
			slog.Warn("close superseded PR: close failed", "pr", number, "error", err)
			continue
		}

		if _, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "refs/heads/"+branch); err != nil {
			slog.Warn("close superseded PR: branch delete failed", "pr", number, "branch", branch, "error", err)
		}
	}

	return nil
}

// mapPR converts a go-github PullRequest to a hosting.PR.
func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	return &hosting.PR{
		Number:     pr.GetNumber(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		Merged:     pr.GetMerged(),
	}
}
