// Package gitlab implements hosting.Provider over the GitLab REST API.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/orca-dev/orca/internal/hosting"
)

var _ hosting.Provider = (*GitLabProvider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

const (
	mergeRetryAttempts = 3
	mergeRetryDelay    = 2 * time.Second
	maxWorkflowRuns    = 20
)

// GitLabProvider implements hosting.Provider using the go-gitlab library.
type GitLabProvider struct {
	client    *gogitlab.Client
	projectID string // "owner/repo" path used as the project identifier
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
	projectID := owner + "/" + repo

	var client *gogitlab.Client
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &GitLabProvider{client: client, projectID: projectID}, nil
}

// Name returns the provider type.
func (g *GitLabProvider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *GitLabProvider) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.CurrentUser(gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", hosting.ErrAuthFailed, err)
	}
	return nil
}

// FindPRByBranch finds the merge request for a given source branch.
func (g *GitLabProvider) FindPRByBranch(ctx context.Context, branch string) (*hosting.PR, error) {
	mrs, _, err := g.client.MergeRequests.ListProjectMergeRequests(g.projectID, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		ListOptions:  gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("find MR by branch %q: %w", branch, err)
	}

	if len(mrs) == 0 {
		return nil, hosting.ErrNoPRFound
	}

	return mapBasicMR(mrs[0]), nil
}

// GetMergeCommitSHA returns the merge commit SHA for an MR, retrying to
// absorb GitLab's post-merge propagation delay.
func (g *GitLabProvider) GetMergeCommitSHA(ctx context.Context, prNumber int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= mergeRetryAttempts; attempt++ {
		mr, _, err := g.client.MergeRequests.GetMergeRequest(g.projectID, int64(prNumber), nil, gogitlab.WithContext(ctx))
		if err != nil {
			lastErr = err
		} else if mr.State == "merged" && mr.MergeCommitSHA != "" {
			return mr.MergeCommitSHA, nil
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
	return "", fmt.Errorf("get merge commit sha for MR %d after %d attempts: %w", prNumber, mergeRetryAttempts, lastErr)
}

// GetWorkflowRunStatus aggregates the most recent pipeline jobs for sha.
func (g *GitLabProvider) GetWorkflowRunStatus(ctx context.Context, sha string) (hosting.WorkflowStatus, error) {
	pipelines, _, err := g.client.Pipelines.ListProjectPipelines(g.projectID, &gogitlab.ListProjectPipelinesOptions{
		SHA:         gogitlab.Ptr(sha),
		ListOptions: gogitlab.ListOptions{PerPage: maxWorkflowRuns},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("list pipelines for sha %q: %w", sha, err)
	}

	if len(pipelines) == 0 {
		return hosting.WorkflowNoRuns, nil
	}

	runs := pipelines
	if len(runs) > maxWorkflowRuns {
		runs = runs[:maxWorkflowRuns]
	}

	return aggregatePipelines(runs), nil
}

// aggregatePipelines applies a fixed precedence: any running/pending
// pipeline wins first, then any failing status, then success.
func aggregatePipelines(pipelines []*gogitlab.PipelineInfo) hosting.WorkflowStatus {
	sawFailure := false
	for _, p := range pipelines {
		switch p.Status {
		case "running", "pending", "created", "waiting_for_resource", "preparing":
			return hosting.WorkflowInProgress
		case "failed", "canceled":
			sawFailure = true
		}
	}
	if sawFailure {
		return hosting.WorkflowFailure
	}
	return hosting.WorkflowSuccess
}

// CloseSupersededPRs closes every open MR whose source branch is an
// older attempt at taskID, excluding currentPR.
func (g *GitLabProvider) CloseSupersededPRs(ctx context.Context, taskID string, currentPR int) error {
	mrs, _, err := g.client.MergeRequests.ListProjectMergeRequests(g.projectID, &gogitlab.ListProjectMergeRequestsOptions{
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("list open MRs: %w", err)
	}

	for _, mr := range mrs {
		number := int(mr.IID)
		branch := mr.SourceBranch
		if number == currentPR || !hosting.IsSupersededBranch(branch, taskID) {
			continue
		}

		note := &gogitlab.CreateMergeRequestNoteOptions{
			Body: gogitlab.Ptr(fmt.Sprintf("Superseded by #%d", currentPR)),
		}
		if _, _, err := g.client.Notes.CreateMergeRequestNote(g.projectID, mr.IID, note, gogitlab.WithContext(ctx)); err != nil {
			slog.Warn("close superseded MR: comment failed, skipping close", "mr", number, "error", err)
			continue
		}

		update := &gogitlab.UpdateMergeRequestOptions{StateEvent: gogitlab.Ptr("close")}
		if _, _, err := g.client.MergeRequests.UpdateMergeRequest(g.projectID, mr.IID, update, gogitlab.WithContext(ctx)); err != nil {
			slog.Warn("close superseded MR: close failed", "mr", number, "error", err)
			continue
		}

		if _, err := g.client.Branches.DeleteBranch(g.projectID, branch, gogitlab.WithContext(ctx)); err != nil {
			slog.Warn("close superseded MR: branch delete failed", "mr", number, "branch", branch, "error", err)
		}
	}

	return nil
}

// mapBasicMR converts a go-gitlab BasicMergeRequest to a hosting.PR.
func mapBasicMR(mr *gogitlab.BasicMergeRequest) *hosting.PR {
	return &hosting.PR{
		Number:     int(mr.IID),
		URL:        mr.WebURL,
		HeadBranch: mr.SourceBranch,
		Merged:     mr.State == "merged",
	}
}
