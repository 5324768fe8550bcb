package deployment

import "github.com/davidthor/stackctl/pkg/state/types"

// CleanupLevel is how much teardown a deployment needs given where it stopped.
type CleanupLevel int

const (
	// CleanupNone means nothing needs removing.
	CleanupNone CleanupLevel = iota
	// CleanupDirectoryOnly removes the working directory without running scripts.
	CleanupDirectoryOnly
	// CleanupFullTeardown runs the teardown script, then removes the directory.
	CleanupFullTeardown
)

func (l CleanupLevel) String() string {
	switch l {
	case CleanupNone:
		return "not-applicable"
	case CleanupDirectoryOnly:
		return "dir"
	case CleanupFullTeardown:
		return "full"
	default:
		return "unknown"
	}
}

var cleanupLevels = map[types.Status]CleanupLevel{
	types.StatusInitializing: CleanupDirectoryOnly,
	types.StatusPreparingEnv: CleanupDirectoryOnly,
	types.StatusInitialized:  CleanupDirectoryOnly,

	types.StatusPreReqCheckInProgress: CleanupDirectoryOnly,
	types.StatusPreReqCheckSucceeded:  CleanupDirectoryOnly,
	types.StatusPreReqCheckFailed:     CleanupDirectoryOnly,

	types.StatusPreDeploymentOpsInProgress: CleanupFullTeardown,
	types.StatusPreDeploymentOpsSucceeded:  CleanupFullTeardown,
	types.StatusPreDeploymentOpsFailed:     CleanupFullTeardown,

	types.StatusDeploymentInProgress: CleanupFullTeardown,
	types.StatusDeploymentSucceeded:  CleanupFullTeardown,
	types.StatusDeploymentFailed:     CleanupFullTeardown,

	types.StatusCompleted: CleanupNone,
}

// CleanupLevelOf returns the cleanup a deployment left at status s requires.
// Unknown statuses get a full teardown.
func CleanupLevelOf(s types.Status) CleanupLevel {
	if level, ok := cleanupLevels[s]; ok {
		return level
	}
	return CleanupFullTeardown
}
