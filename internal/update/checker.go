package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/kioskd/internal/types"
)

// CheckForUpdates compares localVersion against the latest release, falling
// back to the head commit when the repository has no releases and the local
// version is itself a commit hash. It never fails: errors are reported in the
// result with updateAvailable set to false.
func (c *GitHubChecker) CheckForUpdates(ctx context.Context, localVersion string) *CheckResult {
	result := &CheckResult{
		LocalVersion:     localVersion,
		RemoteVersion:    UnknownVersion,
		ComparisonMethod: types.ComparisonNone,
		LastChecked:      time.Now().UTC(),
		RepositoryURL:    c.RepositoryURL(),
	}
	defer func() {
		result.RateLimit = c.RateLimit()
	}()

	cached, err := c.latestRelease(ctx)
	switch {
	case err == nil:
		release := cached.release
		result.ComparisonMethod = types.ComparisonRelease
		result.RemoteVersion = release.Version
		result.RemoteInfo = &RemoteInfo{Kind: RemoteRelease, Release: release, FetchedAt: cached.fetchedAt}
		result.UpdateAvailable = CompareVersions(localVersion, release.Version)
		if result.UpdateAvailable {
			result.Message = fmt.Sprintf("Version %s is available", release.Version)
		} else {
			result.Message = "Already running the latest release"
		}

	case errors.Is(err, ErrNoRelease):
		if !IsCommitHash(localVersion) {
			result.Message = "No tagged releases found for this repository; version-based updates are unavailable"
			break
		}
		c.checkCommit(ctx, localVersion, result)

	default:
		c.fail(result, err)
	}

	log.WithFields(log.Fields{
		"local":     result.LocalVersion,
		"remote":    result.RemoteVersion,
		"method":    result.ComparisonMethod,
		"available": result.UpdateAvailable,
	}).Info("update check completed")

	return result
}

func (c *GitHubChecker) checkCommit(ctx context.Context, localVersion string, result *CheckResult) {
	cached, err := c.latestCommit(ctx)
	if err != nil {
		c.fail(result, err)
		return
	}
	commit := cached.commit

	result.ComparisonMethod = types.ComparisonCommit
	result.RemoteVersion = commit.ShortSHA
	result.RemoteInfo = &RemoteInfo{Kind: RemoteCommit, Commit: commit, FetchedAt: cached.fetchedAt}
	result.UpdateAvailable = commitIsNewer(localVersion, commit.SHA)
	if result.UpdateAvailable {
		result.Message = fmt.Sprintf("New commit %s is available", commit.ShortSHA)
	} else {
		result.Message = "Already running the latest commit"
	}
}

func (c *GitHubChecker) fail(result *CheckResult, err error) {
	var checkErr *CheckError
	if !errors.As(err, &checkErr) {
		checkErr = &CheckError{Code: ErrCodeAPI, Message: "update check failed", err: err}
	}

	result.UpdateAvailable = false
	result.RemoteVersion = UnknownVersion
	result.RemoteInfo = nil
	result.Error = checkErr
	result.Message = checkErr.Message

	log.WithField("code", checkErr.Code).Warnf("update check failed: %v", err)
}
