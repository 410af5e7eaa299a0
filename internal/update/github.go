package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultAPIURL is the only API host contacted unless configured otherwise.
	DefaultAPIURL = "https://api.github.com"
	// UserAgent is sent with every API request.
	UserAgent = "kioskd-updater"
	// DefaultCacheTTL is how long release and commit lookups are reused.
	DefaultCacheTTL = 5 * time.Minute
	// MaxResponseBytes caps the size of an API response body.
	MaxResponseBytes = 512 << 10

	maxRequestPathLength = 256
	webHost              = "github.com"
)

// ErrNoRelease is returned when the repository has no published release.
var ErrNoRelease = errors.New("repository has no releases")

var errNotFound = errors.New("not found")

// GitHubChecker checks for updates via GitHub API
type GitHubChecker struct {
	owner        string
	repo         string
	githubToken  string // Optional, for rate limiting
	baseURL      string
	allowedHosts map[string]bool
	validator    Validator
	client       *http.Client
	limiter      *rate.Limiter
	cache        *cache.Cache

	mu        sync.Mutex
	rateLimit *RateLimitInfo
}

// githubRelease is the subset of the release payload we read.
type githubRelease struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Prerelease  bool   `json:"prerelease"`
	Draft       bool   `json:"draft"`
}

// githubCommit is the subset of the commit payload we read.
type githubCommit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

type cachedRelease struct {
	release   *ReleaseInfo
	fetchedAt time.Time
}

type cachedCommit struct {
	commit    *CommitInfo
	fetchedAt time.Time
}

// NewGitHubChecker creates a new GitHub checker
func NewGitHubChecker(owner, repo string) *GitHubChecker {
	c := &GitHubChecker{
		owner:     owner,
		repo:      repo,
		validator: DefaultValidator(),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		cache:   cache.New(DefaultCacheTTL, 10*time.Minute),
	}
	_ = c.setBaseURL(DefaultAPIURL)
	return c
}

// WithToken sets an optional GitHub token for authentication
func (c *GitHubChecker) WithToken(token string) *GitHubChecker {
	c.githubToken = token
	return c
}

// WithAPIURL points the checker at another https API root.
func (c *GitHubChecker) WithAPIURL(apiURL string) (*GitHubChecker, error) {
	if err := c.setBaseURL(apiURL); err != nil {
		return nil, err
	}
	return c, nil
}

// WithHTTPClient replaces the HTTP client.
func (c *GitHubChecker) WithHTTPClient(client *http.Client) *GitHubChecker {
	c.client = client
	return c
}

// WithCacheTTL changes how long lookups are cached.
func (c *GitHubChecker) WithCacheTTL(ttl time.Duration) *GitHubChecker {
	c.cache = cache.New(ttl, 2*ttl)
	return c
}

// WithValidator sets the grammar remote versions must satisfy.
func (c *GitHubChecker) WithValidator(v Validator) *GitHubChecker {
	c.validator = v
	return c
}

func (c *GitHubChecker) setBaseURL(apiURL string) error {
	u, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("API URL must be an https URL, got %q", apiURL)
	}
	if u.Path != "" || u.RawQuery != "" || u.User != nil {
		return fmt.Errorf("API URL must not carry a path, query or credentials: %q", apiURL)
	}
	c.baseURL = u.String()
	c.allowedHosts = map[string]bool{
		webHost:                       true,
		strings.ToLower(u.Hostname()): true,
	}
	return nil
}

// RepositoryURL returns the web URL of the repository.
func (c *GitHubChecker) RepositoryURL() string {
	return fmt.Sprintf("https://%s/%s/%s", webHost, c.owner, c.repo)
}

// RateLimit returns the budget reported by the most recent response, or nil
// before the first request.
func (c *GitHubChecker) RateLimit() *RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateLimit == nil {
		return nil
	}
	rl := *c.rateLimit
	return &rl
}

func (c *GitHubChecker) cacheKey(kind RemoteKind) string {
	return fmt.Sprintf("%s/%s:%s", c.owner, c.repo, kind)
}

// LatestRelease returns the latest published release. ErrNoRelease is
// returned when the repository has none.
func (c *GitHubChecker) LatestRelease(ctx context.Context) (*ReleaseInfo, error) {
	cached, err := c.latestRelease(ctx)
	return cached.release, err
}

// latestRelease also reports when the answer was fetched from upstream, so
// cached answers carry their original fetch time.
func (c *GitHubChecker) latestRelease(ctx context.Context) (cachedRelease, error) {
	key := c.cacheKey(RemoteRelease)
	if v, ok := c.cache.Get(key); ok {
		cached := v.(cachedRelease)
		if cached.release == nil {
			return cached, ErrNoRelease
		}
		return cached, nil
	}

	var wire githubRelease
	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/releases/latest", c.owner, c.repo), &wire)
	if errors.Is(err, errNotFound) {
		missing := cachedRelease{fetchedAt: time.Now().UTC()}
		c.cache.Set(key, missing, cache.DefaultExpiration)
		return missing, ErrNoRelease
	}
	if err != nil {
		return cachedRelease{}, err
	}

	release, err := c.parseRelease(wire)
	if err != nil {
		return cachedRelease{}, err
	}
	fetched := cachedRelease{release: release, fetchedAt: time.Now().UTC()}
	c.cache.Set(key, fetched, cache.DefaultExpiration)
	return fetched, nil
}

// LatestCommit returns the head commit of the default branch.
func (c *GitHubChecker) LatestCommit(ctx context.Context) (*CommitInfo, error) {
	cached, err := c.latestCommit(ctx)
	return cached.commit, err
}

func (c *GitHubChecker) latestCommit(ctx context.Context) (cachedCommit, error) {
	key := c.cacheKey(RemoteCommit)
	if v, ok := c.cache.Get(key); ok {
		return v.(cachedCommit), nil
	}

	var wire githubCommit
	err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits/HEAD", c.owner, c.repo), &wire)
	if errors.Is(err, errNotFound) {
		return cachedCommit{}, &CheckError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("repository %s/%s not found", c.owner, c.repo),
		}
	}
	if err != nil {
		return cachedCommit{}, err
	}

	commit, err := c.parseCommit(wire)
	if err != nil {
		return cachedCommit{}, err
	}
	fetched := cachedCommit{commit: commit, fetchedAt: time.Now().UTC()}
	c.cache.Set(key, fetched, cache.DefaultExpiration)
	return fetched, nil
}

func (c *GitHubChecker) parseRelease(wire githubRelease) (*ReleaseInfo, error) {
	tag := NormalizeVersion(wire.TagName)
	if err := c.validator.Validate(tag); err != nil {
		return nil, &CheckError{
			Code:    ErrCodeInvalidResponse,
			Message: "release tag is not a valid version",
			err:     err,
		}
	}

	return &ReleaseInfo{
		Version:     tag,
		Name:        sanitizeText(wire.Name, maxNameLength, false),
		PublishedAt: parseTimestamp(wire.PublishedAt),
		URL:         sanitizeURL(wire.HTMLURL, c.allowedHosts),
		Body:        sanitizeText(wire.Body, maxBodyLength, true),
		Prerelease:  wire.Prerelease,
		Draft:       wire.Draft,
	}, nil
}

func (c *GitHubChecker) parseCommit(wire githubCommit) (*CommitInfo, error) {
	sha := strings.ToLower(strings.TrimSpace(wire.SHA))
	if len(sha) != 40 || !IsCommitHash(sha) {
		return nil, &CheckError{
			Code:    ErrCodeInvalidResponse,
			Message: "commit SHA is malformed",
		}
	}

	return &CommitInfo{
		SHA:      sha,
		ShortSHA: sha[:7],
		Message:  sanitizeText(wire.Commit.Message, maxMessageLength, true),
		Author:   sanitizeText(wire.Commit.Author.Name, maxAuthorLength, false),
		Date:     parseTimestamp(wire.Commit.Author.Date),
		URL:      sanitizeURL(wire.HTMLURL, c.allowedHosts),
	}, nil
}

// get performs a GET against the API and decodes a JSON object into v.
func (c *GitHubChecker) get(ctx context.Context, path string, v interface{}) error {
	if !validateRequestPath(path) {
		return &CheckError{Code: ErrCodeAPI, Message: "refusing malformed request path"}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransportError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &CheckError{Code: ErrCodeAPI, Message: "failed to build request", err: err}
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.githubToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.githubToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	rl := parseRateLimit(resp.Header)
	if rl != nil {
		c.mu.Lock()
		c.rateLimit = rl
		c.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && rl != nil && rl.Remaining == 0:
		msg := "GitHub API rate limit exceeded"
		if rl != nil && !rl.Reset.IsZero() {
			msg = fmt.Sprintf("%s, resets at %s", msg, rl.Reset.UTC().Format(time.RFC3339))
		}
		return &CheckError{Code: ErrCodeRateLimit, Message: msg, Retryable: true}
	default:
		return &CheckError{
			Code:      ErrCodeAPI,
			Message:   fmt.Sprintf("GitHub API returned status %d", resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return classifyTransportError(err)
	}
	if len(body) > MaxResponseBytes {
		return &CheckError{
			Code:    ErrCodeInvalidResponse,
			Message: fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes),
		}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &CheckError{Code: ErrCodeInvalidResponse, Message: "response is not a JSON object"}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &CheckError{Code: ErrCodeInvalidResponse, Message: "failed to decode response", err: err}
	}

	log.WithFields(log.Fields{
		"path":      path,
		"remaining": remainingOrUnknown(rl),
	}).Debug("GitHub API request completed")
	return nil
}

func classifyTransportError(err error) *CheckError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &CheckError{Code: ErrCodeTimeout, Message: "request to GitHub timed out", Retryable: true, err: err}
	case errors.Is(err, context.Canceled):
		return &CheckError{Code: ErrCodeNetwork, Message: "request was cancelled", Retryable: true, err: err}
	default:
		return &CheckError{Code: ErrCodeNetwork, Message: "could not reach GitHub", Retryable: true, err: err}
	}
}

func parseRateLimit(h http.Header) *RateLimitInfo {
	limit, lerr := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	remaining, rerr := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if lerr != nil || rerr != nil {
		return nil
	}

	rl := &RateLimitInfo{
		Limit:     limit,
		Remaining: remaining,
		Resource:  sanitizeText(h.Get("X-RateLimit-Resource"), 32, false),
	}
	if used, err := strconv.Atoi(h.Get("X-RateLimit-Used")); err == nil {
		rl.Used = used
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(reset, 0).UTC()
	}
	return rl
}

func remainingOrUnknown(rl *RateLimitInfo) string {
	if rl == nil {
		return "unknown"
	}
	return strconv.Itoa(rl.Remaining)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
