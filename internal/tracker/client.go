package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ClientConfig configures the tracker connection.
type ClientConfig struct {
	BaseURL  string
	Email    string
	APIToken string
}

// Client wraps the go-atlassian Jira v3 client with Orca-specific
// conversions.
type Client struct {
	jira *v3.Client
	cfg  ClientConfig
}

// NewClient builds a tracker client authenticated with basic auth.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("tracker client requires base URL, email, and API token")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client, err := v3.New(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create tracker client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("orca-tracker-sync/1.0")

	return &Client{jira: client, cfg: cfg}, nil
}

var searchFields = []string{
	"summary", "description", "issuetype", "status", "priority",
	"labels", "parent", "issuelinks", "created", "updated", "project",
}

// SearchAllIssues runs jql, paginating via nextPageToken, and converts
// every result to Issue.
func (c *Client) SearchAllIssues(ctx context.Context, jql string) ([]Issue, error) {
	var all []Issue
	nextPageToken := ""

	for {
		result, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("tracker search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("tracker search: %w", err)
		}

		for _, issue := range result.Issues {
			all = append(all, convertIssue(issue))
		}

		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}

	return all, nil
}

// GetIssue fetches a single issue by key, used by the `add` CLI command's
// single-issue sync.
func (c *Client) GetIssue(ctx context.Context, key string) (Issue, error) {
	issue, resp, err := c.jira.Issue.Get(ctx, key, searchFields, nil)
	if err != nil {
		if resp != nil {
			return Issue{}, fmt.Errorf("tracker get %s (status %d): %w", key, resp.StatusCode, err)
		}
		return Issue{}, fmt.Errorf("tracker get %s: %w", key, err)
	}
	return convertIssue(issue), nil
}

// CheckAuth verifies the configured credentials work, used both at
// startup and to classify poller errors as permanent.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, resp, err := c.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tracker auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("tracker auth check failed: %w", err)
	}
	return nil
}

// ProjectDescription fetches a project's description field, used by
// repo_path resolution rule 1.
func (c *Client) ProjectDescription(ctx context.Context, projectID string) (string, error) {
	proj, resp, err := c.jira.Project.Get(ctx, projectID, nil)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("tracker project %s (status %d): %w", projectID, resp.StatusCode, err)
		}
		return "", fmt.Errorf("tracker project %s: %w", projectID, err)
	}
	if proj == nil {
		return "", nil
	}
	return proj.Description, nil
}

func convertIssue(issue *models.IssueScheme) Issue {
	if issue == nil || issue.Fields == nil {
		return Issue{Key: safeKey(issue)}
	}
	f := issue.Fields

	result := Issue{
		Key:         issue.Key,
		Summary:     f.Summary,
		Description: ADFToMarkdown(f.Description),
		StatusName:  safeStatusName(f.Status),
		StatusType:  safeStatusCategoryKey(f.Status),
		Priority:    safePriorityName(f.Priority),
		ParentKey:   safeParentKey(f.Parent),
		ProjectID:   safeProjectKey(f.Project),
	}

	for _, link := range f.IssueLinks {
		if link == nil || link.Type == nil {
			continue
		}
		if link.OutwardIssue != nil {
			result.IssueLinks = append(result.IssueLinks, IssueLink{
				Type: link.Type.Name, Direction: LinkOutward, LinkedKey: link.OutwardIssue.Key,
			})
		}
		if link.InwardIssue != nil {
			result.IssueLinks = append(result.IssueLinks, IssueLink{
				Type: link.Type.Name, Direction: LinkInward, LinkedKey: link.InwardIssue.Key,
			})
		}
	}

	if f.Created != nil {
		result.Created = time.Time(*f.Created)
	}
	if f.Updated != nil {
		result.Updated = time.Time(*f.Updated)
	}

	return result
}

func safeKey(issue *models.IssueScheme) string {
	if issue == nil {
		return ""
	}
	return issue.Key
}

func safeStatusName(s *models.StatusScheme) string {
	if s == nil {
		return ""
	}
	return s.Name
}

func safeStatusCategoryKey(s *models.StatusScheme) string {
	if s == nil || s.StatusCategory == nil {
		return ""
	}
	return s.StatusCategory.Key
}

func safePriorityName(p *models.PriorityScheme) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func safeParentKey(p *models.ParentScheme) string {
	if p == nil {
		return ""
	}
	return p.Key
}

func safeProjectKey(p *models.ProjectScheme) string {
	if p == nil {
		return ""
	}
	return p.Key
}
