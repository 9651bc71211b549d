package github

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/orca-dev/orca/internal/hosting"
)

// resolveToken gets the GitHub API token from environment.
// Uses cfg.TokenEnvVar if set, otherwise defaults to GITHUB_TOKEN.
func resolveToken(cfg hosting.Config) (string, error) {
	envVar := "GITHUB_TOKEN"
	if cfg.TokenEnvVar != "" {
		envVar = cfg.TokenEnvVar
	}

	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("%s environment variable is not set (required for GitHub API access)", envVar)
	}

	return token, nil
}

// gitRemoteURL gets the origin remote URL for the repo at workDir.
func gitRemoteURL(workDir string) (string, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = workDir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get remote URL: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}
