package update

import (
	"context"
	"fmt"
	"time"

	"github.com/adamancini/kioskd/internal/types"
)

// ReleaseInfo describes the latest tagged release of the repository.
type ReleaseInfo struct {
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url"`
	Body        string    `json:"body"`
	Prerelease  bool      `json:"prerelease"`
	Draft       bool      `json:"draft"`
}

// CommitInfo describes the head commit of the repository's default branch.
type CommitInfo struct {
	SHA      string    `json:"sha"`
	ShortSHA string    `json:"shortSha"`
	Message  string    `json:"message"`
	Author   string    `json:"author"`
	Date     time.Time `json:"date"`
	URL      string    `json:"url"`
}

// RemoteKind tags which variant a RemoteInfo carries.
type RemoteKind string

const (
	RemoteRelease RemoteKind = "release"
	RemoteCommit  RemoteKind = "commit"
)

// RemoteInfo is the comparison target of a check: exactly one of Release
// or Commit is set, as indicated by Kind.
type RemoteInfo struct {
	Kind      RemoteKind   `json:"kind"`
	Release   *ReleaseInfo `json:"release,omitempty"`
	Commit    *CommitInfo  `json:"commit,omitempty"`
	FetchedAt time.Time    `json:"fetchedAt"`
}

// RateLimitInfo is the GitHub API budget reported by the last response.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Reset     time.Time `json:"reset"`
	Resource  string    `json:"resource,omitempty"`
}

// ErrorCode is the machine-readable category of a failed check.
type ErrorCode string

const (
	ErrCodeNetwork         ErrorCode = "NETWORK_ERROR"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeTimeout         ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeNotFound        ErrorCode = "REPOSITORY_NOT_FOUND"
	ErrCodeInvalidResponse ErrorCode = "INVALID_RESPONSE"
	ErrCodeAPI             ErrorCode = "API_ERROR"
)

// CheckError is a categorized resolver failure.
type CheckError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	err       error
}

func (e *CheckError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CheckError) Unwrap() error {
	return e.err
}

// CheckResult is the outcome of one update check. It is produced fresh for
// every check and never persisted.
type CheckResult struct {
	UpdateAvailable  bool                   `json:"updateAvailable"`
	LocalVersion     string                 `json:"localVersion"`
	RemoteVersion    string                 `json:"remoteVersion"`
	RemoteInfo       *RemoteInfo            `json:"remoteInfo,omitempty"`
	ComparisonMethod types.ComparisonMethod `json:"comparisonMethod"`
	LastChecked      time.Time              `json:"lastChecked"`
	RepositoryURL    string                 `json:"repositoryUrl"`
	RateLimit        *RateLimitInfo         `json:"rateLimitInfo,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Error            *CheckError            `json:"error,omitempty"`
}

// String renders the result for text output.
func (r *CheckResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("Current version: %s\nUpdate check failed: %s (%s)", r.LocalVersion, r.Error.Message, r.Error.Code)
	}
	if !r.UpdateAvailable {
		s := fmt.Sprintf("Current version: %s\nAlready running latest version", r.LocalVersion)
		if r.Message != "" {
			s += "\n" + r.Message
		}
		return s
	}
	return fmt.Sprintf("Current version: %s\nLatest version: %s available (%s)", r.LocalVersion, r.RemoteVersion, r.ComparisonMethod)
}

// Checker checks for available updates
type Checker interface {
	CheckForUpdates(ctx context.Context, localVersion string) *CheckResult
}
