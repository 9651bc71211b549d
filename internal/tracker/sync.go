package tracker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/orca-dev/orca/internal/db"
	"github.com/orca-dev/orca/internal/graph"
	"github.com/orca-dev/orca/internal/model"
	"github.com/orca-dev/orca/internal/orcalog"
)

// repoPathLine matches the "repo: <path>" convention inside a project
// description. Case-insensitive, first hit wins.
var repoPathLine = regexp.MustCompile(`(?im)^repo:\s*(.+)\s*$`)

// Config is the subset of the supervisor's configuration Tracker Sync
// needs.
type Config struct {
	ProjectIDs        []string
	ReadyStateType    string
	DefaultCWD        string
	RepoPathOverrides map[string]string // project id -> repo path
}

// Syncer implements full sync and webhook delta application.
type Syncer struct {
	client *Client
	store  *db.DB
	graph  *graph.Graph
	cfg    Config
	log    orcalog.Logger

	projectDescrCache map[string]string
}

// New builds a Syncer.
func New(client *Client, store *db.DB, g *graph.Graph, cfg Config, log orcalog.Logger) *Syncer {
	return &Syncer{
		client:            client,
		store:             store,
		graph:             g,
		cfg:               cfg,
		log:               log,
		projectDescrCache: make(map[string]string),
	}
}

// Result is returned by FullSync.
type Result struct {
	Total     int
	Succeeded int
	Failed    int
}

// FullSync fetches every issue under the configured projects and their
// relations, upserts each as a task, and rebuilds the dependency graph
// in one pass.
func (s *Syncer) FullSync(ctx context.Context) (Result, error) {
	if len(s.cfg.ProjectIDs) == 0 {
		return Result{}, fmt.Errorf("full sync: no project_ids configured")
	}

	jql := fmt.Sprintf("project in (%s) ORDER BY created ASC", strings.Join(s.cfg.ProjectIDs, ","))
	issues, err := s.client.SearchAllIssues(ctx, jql)
	if err != nil {
		return Result{}, fmt.Errorf("full sync: %w", err)
	}

	res := Result{Total: len(issues)}
	for _, issue := range issues {
		if err := s.upsertIssue(ctx, issue); err != nil {
			s.log.Warn("full sync: skipping issue", "issue", issue.Key, "error", err)
			res.Failed++
			continue
		}
		res.Succeeded++
	}

	graphIssues := make([]graph.Issue, 0, len(issues))
	for _, issue := range issues {
		graphIssues = append(graphIssues, graph.Issue{ID: issue.Key, Blocks: issue.Blocks()})
	}
	s.graph.Rebuild(graphIssues)

	return res, nil
}

// upsertIssue implements the per-issue upsert: resolve
// repo_path, compute orca_status honoring the never-regress-past-ready
// rule, and preserve retry_count / PR handoff fields across resyncs.
func (s *Syncer) upsertIssue(ctx context.Context, issue Issue) error {
	existing, err := s.store.GetTask(issue.Key)
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("load existing task %s: %w", issue.Key, err)
	}

	repoPath, err := s.resolveRepoPath(ctx, issue)
	if err != nil {
		return fmt.Errorf("resolve repo_path for %s: %w", issue.Key, err)
	}

	task := &model.Task{
		IssueID:     issue.Key,
		AgentPrompt: agentPrompt(issue),
		RepoPath:    repoPath,
		Priority:    PriorityValue(issue.Priority),
		ProjectName: issue.ProjectID,
		ParentID:    issue.ParentKey,
	}

	if existing != nil {
		task.RetryCount = existing.RetryCount
		task.ReviewCycleCount = existing.ReviewCycleCount
		task.PRBranchName = existing.PRBranchName
		task.PRNumber = existing.PRNumber
		task.MergeCommitSHA = existing.MergeCommitSHA
		task.DeployStartedAt = existing.DeployStartedAt
		task.CIStartedAt = existing.CIStartedAt
		task.DoneAt = existing.DoneAt
		task.CreatedAt = existing.CreatedAt
	}

	task.Status = nextStatus(existing, issue.StatusType, s.cfg.ReadyStateType)

	return s.store.SaveTask(task)
}

// AddIssue fetches a single issue by key and upserts it as a task,
// without touching the dependency graph — used by the `add` CLI command
// to pull in one issue ahead of the next full sync.
func (s *Syncer) AddIssue(ctx context.Context, key string) error {
	issue, err := s.client.GetIssue(ctx, key)
	if err != nil {
		return fmt.Errorf("add issue %s: %w", key, err)
	}
	return s.upsertIssue(ctx, issue)
}

// nextStatus derives orca_status: ready if the tracker state
// type equals the configured ready type and the task hasn't started;
// backlog if the tracker state left the ready set and the task hasn't
// started; otherwise unchanged (idempotent, never regresses past ready).
func nextStatus(existing *model.Task, trackerStateType, readyType string) model.TaskStatus {
	if existing == nil {
		if trackerStateType == readyType {
			return model.StatusReady
		}
		return model.StatusBacklog
	}

	if existing.Status.IsPastReady() {
		return existing.Status
	}

	if trackerStateType == readyType {
		return model.StatusReady
	}
	return model.StatusBacklog
}

func agentPrompt(issue Issue) string {
	if issue.Description == "" {
		return issue.Summary
	}
	return issue.Summary + "\n\n" + issue.Description
}

// resolveRepoPath implements the four-step repo-path resolution, failing the
// task (returning an error) only once all four steps are exhausted.
func (s *Syncer) resolveRepoPath(ctx context.Context, issue Issue) (string, error) {
	descr, err := s.projectDescription(ctx, issue.ProjectID)
	if err == nil {
		if m := repoPathLine.FindStringSubmatch(descr); m != nil {
			return strings.TrimSpace(m[1]), nil
		}
	}

	if path, ok := s.cfg.RepoPathOverrides[issue.ProjectID]; ok && path != "" {
		return path, nil
	}

	if s.cfg.DefaultCWD != "" {
		return s.cfg.DefaultCWD, nil
	}

	return "", fmt.Errorf("no repo_path resolution for project %s", issue.ProjectID)
}

func (s *Syncer) projectDescription(ctx context.Context, projectID string) (string, error) {
	if d, ok := s.projectDescrCache[projectID]; ok {
		return d, nil
	}
	if s.client == nil {
		return "", fmt.Errorf("no tracker client configured")
	}
	d, err := s.client.ProjectDescription(ctx, projectID)
	if err != nil {
		return "", err
	}
	s.projectDescrCache[projectID] = d
	return d, nil
}

func isNoRows(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// MarkTaskDeletedIfUnstarted handles a tracker-side issue delete: mark done if
// unstarted, else leave running work alone.
func (s *Syncer) MarkTaskDeletedIfUnstarted(issueID string) error {
	task, err := s.store.GetTask(issueID)
	if err != nil {
		if isNoRows(err) {
			return nil
		}
		return fmt.Errorf("load task %s for delete: %w", issueID, err)
	}

	if task.Status == model.StatusBacklog || task.Status == model.StatusReady {
		task.Status = model.StatusDone
		now := time.Now().UTC()
		task.DoneAt = &now
		return s.store.SaveTask(task)
	}
	return nil
}
