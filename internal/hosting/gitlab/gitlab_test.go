package gitlab

import (
	"testing"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/orca-dev/orca/internal/hosting"
)

func TestResolveToken(t *testing.T) {
	// Cannot use t.Parallel() — t.Setenv modifies process environment.

	tests := []struct {
		name      string
		cfg       hosting.Config
		envKey    string
		envValue  string
		wantToken string
		wantErr   bool
	}{
		{
			name:      "GITLAB_TOKEN set",
			cfg:       hosting.Config{},
			envKey:    "GITLAB_TOKEN",
			envValue:  "glpat-test",
			wantToken: "glpat-test",
		},
		{
			name:      "falls back to GITLAB_PRIVATE_TOKEN",
			cfg:       hosting.Config{},
			envKey:    "GITLAB_PRIVATE_TOKEN",
			envValue:  "priv-test",
			wantToken: "priv-test",
		},
		{
			name:    "neither set returns error",
			cfg:     hosting.Config{},
			wantErr: true,
		},
		{
			name:      "custom env var overrides defaults",
			cfg:       hosting.Config{TokenEnvVar: "MY_GL_TOKEN"},
			envKey:    "MY_GL_TOKEN",
			envValue:  "custom",
			wantToken: "custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITLAB_TOKEN", "")
			t.Setenv("GITLAB_PRIVATE_TOKEN", "")
			t.Setenv("MY_GL_TOKEN", "")

			if tt.envKey != "" {
				t.Setenv(tt.envKey, tt.envValue)
			}

			token, err := resolveToken(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && token != tt.wantToken {
				t.Errorf("resolveToken() = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestGitLabProviderName(t *testing.T) {
	t.Parallel()

	p := &GitLabProvider{projectID: "group/repo"}
	if got := p.Name(); got != hosting.ProviderGitLab {
		t.Errorf("Name() = %q, want %q", got, hosting.ProviderGitLab)
	}
}

func TestAggregatePipelines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		runs []*gogitlab.PipelineInfo
		want hosting.WorkflowStatus
	}{
		{
			name: "running wins over failed",
			runs: []*gogitlab.PipelineInfo{
				{Status: "failed"},
				{Status: "running"},
			},
			want: hosting.WorkflowInProgress,
		},
		{
			name: "failed with no running pipelines",
			runs: []*gogitlab.PipelineInfo{
				{Status: "success"},
				{Status: "failed"},
			},
			want: hosting.WorkflowFailure,
		},
		{
			name: "all success",
			runs: []*gogitlab.PipelineInfo{
				{Status: "success"},
			},
			want: hosting.WorkflowSuccess,
		},
		{
			name: "pending counts as in progress",
			runs: []*gogitlab.PipelineInfo{
				{Status: "pending"},
			},
			want: hosting.WorkflowInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregatePipelines(tt.runs); got != tt.want {
				t.Errorf("aggregatePipelines() = %q, want %q", got, tt.want)
			}
		})
	}
}
