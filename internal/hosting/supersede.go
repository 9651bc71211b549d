package hosting

import "strings"

// SupersededBranchPrefix returns the branch prefix that identifies an
// older attempt at taskID. The trailing "-" is required so that
// "orca/EMI-6-..." never matches a branch for "orca/EMI-66-..." (the
// close-superseded-PRs prefix-collision rule).
func SupersededBranchPrefix(taskID string) string {
	return "orca/" + taskID + "-"
}

// IsSupersededBranch reports whether branch is an older attempt at
// taskID, i.e. starts with SupersededBranchPrefix(taskID).
func IsSupersededBranch(branch, taskID string) bool {
	return strings.HasPrefix(branch, SupersededBranchPrefix(taskID))
}
