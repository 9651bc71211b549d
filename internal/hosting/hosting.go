// Package hosting queries the code host for the four facts the scheduler
// needs about a task's branch: whether a PR exists, what it merged as,
// how its CI runs concluded, and which older PRs it has superseded.
// Implementations exist for GitHub (go-github) and GitLab (go-gitlab).
package hosting

import (
	"context"
	"errors"
)

// ProviderType identifies which hosting provider is in use.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// WorkflowStatus is the aggregated CI conclusion for a commit.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowSuccess    WorkflowStatus = "success"
	WorkflowFailure    WorkflowStatus = "failure"
	WorkflowNoRuns     WorkflowStatus = "no_runs"
)

// PR is the subset of pull/merge request state Orca acts on.
type PR struct {
	Number     int
	URL        string
	HeadBranch string
	Merged     bool
}

// Provider is the code-host adapter interface. It is deliberately
// narrower than a general-purpose PR API client: Orca only ever needs to
// locate a branch's PR, learn its merge SHA, read CI conclusions, and
// close PRs a newer run has superseded.
type Provider interface {
	// FindPRByBranch returns a PR for branch in any state (open, closed,
	// or merged), or ErrNoPRFound if none exists.
	FindPRByBranch(ctx context.Context, branch string) (*PR, error)

	// GetMergeCommitSHA returns the merge commit SHA for prNumber,
	// retrying internally to absorb the host's post-merge propagation
	// delay. Returns ErrNotMerged if the PR has not merged after retries.
	GetMergeCommitSHA(ctx context.Context, prNumber int) (string, error)

	// GetWorkflowRunStatus aggregates the most recent CI runs on sha.
	GetWorkflowRunStatus(ctx context.Context, sha string) (WorkflowStatus, error)

	// CloseSupersededPRs closes every open PR whose branch is an older
	// attempt at taskID (prefix orca/<taskID>-), excluding currentPR.
	CloseSupersededPRs(ctx context.Context, taskID string, currentPR int) error

	// CheckAuth validates the configured credentials.
	CheckAuth(ctx context.Context) error

	// Name reports which provider this is.
	Name() ProviderType
}

// Hosting provider errors.
var (
	// ErrNoPRFound is returned when no PR exists for the given branch.
	ErrNoPRFound = errors.New("no pull request found for branch")

	// ErrNotMerged is returned when GetMergeCommitSHA is called on a PR
	// that has not merged, even after retrying.
	ErrNotMerged = errors.New("pull request has not merged")

	// ErrAuthFailed is returned when authentication fails.
	ErrAuthFailed = errors.New("authentication failed")
)

// Config holds hosting provider configuration (provider/base_url/
// token_env_var).
type Config struct {
	// Provider selects "github", "gitlab", or "auto" (detect from the
	// git remote).
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL overrides the API root for self-hosted instances. Empty
	// means github.com / gitlab.com.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// TokenEnvVar overrides the default token environment variable.
	// Default: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`
}

// NewProviderFunc constructs a Provider for a repo working directory.
type NewProviderFunc func(workDir string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor. Called from init()
// in the github/ and gitlab/ packages to avoid an import cycle back into
// this package.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a hosting provider for workDir. If cfg.Provider is
// "auto" or empty, the provider is detected from the git remote URL.
func NewProvider(workDir string, cfg Config) (Provider, error) {
	providerType, err := resolveProviderType(workDir, cfg)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, errors.New("no provider registered for " + string(providerType))
	}

	return constructor(workDir, cfg)
}

func resolveProviderType(workDir string, cfg Config) (ProviderType, error) {
	if cfg.Provider != "" && cfg.Provider != "auto" {
		pt := ProviderType(cfg.Provider)
		if pt != ProviderGitHub && pt != ProviderGitLab {
			return "", errors.New("unknown provider " + cfg.Provider + " (supported: github, gitlab)")
		}
		return pt, nil
	}

	remoteURL, err := getRemoteURL(workDir)
	if err != nil {
		return "", err
	}

	detected := DetectProvider(remoteURL)
	if detected == ProviderUnknown {
		return "", errors.New("cannot detect hosting provider from remote URL " + remoteURL + " (set provider explicitly in config)")
	}
	return detected, nil
}
