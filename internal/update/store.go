package update

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxVersionFileSize is the largest version file Read accepts.
	MaxVersionFileSize = 1024
	// DefaultStoreCacheTTL is how long a successful Read is reused.
	DefaultStoreCacheTTL = 10 * time.Second

	storeCacheKey = "version"
)

// ErrOutsideBaseDir is returned when the version file resolves outside its directory.
var ErrOutsideBaseDir = errors.New("path resolves outside the expected directory")

// Store reads and writes the single-line version descriptor.
type Store struct {
	baseDir   string
	path      string
	validator Validator
	fallback  string
	cache     *cache.Cache
}

// NewStore creates a version store for path, which must stay inside baseDir.
// A relative path is taken relative to baseDir.
func NewStore(baseDir, path string, validator Validator, fallback string) *Store {
	if fallback == "" {
		fallback = UnknownVersion
	}
	return &Store{
		baseDir:   baseDir,
		path:      path,
		validator: validator,
		fallback:  fallback,
		cache:     cache.New(DefaultStoreCacheTTL, time.Minute),
	}
}

// WithCacheTTL changes how long successful reads are cached.
func (s *Store) WithCacheTTL(ttl time.Duration) *Store {
	s.cache = cache.New(ttl, time.Minute)
	return s
}

// Path returns the configured version file path.
func (s *Store) Path() string {
	return s.path
}

// Fallback returns the value Read reports when the version is unknown.
func (s *Store) Fallback() string {
	return s.fallback
}

// Read returns the current version, or the fallback value if the file is
// missing, oversized, empty, outside the base directory or malformed.
func (s *Store) Read() string {
	if v, ok := s.cache.Get(storeCacheKey); ok {
		return v.(string)
	}

	v, err := s.read()
	if err != nil {
		log.WithField("path", s.path).Warnf("failed to read version file: %v", err)
		return s.fallback
	}

	s.cache.Set(storeCacheKey, v, cache.DefaultExpiration)
	return v
}

func (s *Store) read() (string, error) {
	path, err := s.resolvePath()
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > MaxVersionFileSize {
		return "", fmt.Errorf("version file is %d bytes, limit is %d", info.Size(), MaxVersionFileSize)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("version file is empty")
	}

	content, err := io.ReadAll(io.LimitReader(f, MaxVersionFileSize+1))
	if err != nil {
		return "", err
	}
	if len(content) > MaxVersionFileSize {
		return "", fmt.Errorf("version file grew beyond %d bytes", MaxVersionFileSize)
	}

	v := strings.TrimSpace(string(content))
	if err := s.validator.Validate(v); err != nil {
		return "", err
	}
	return v, nil
}

// Write atomically replaces the version file with candidate. Invalid
// candidates are rejected and leave the file untouched.
func (s *Store) Write(candidate string) error {
	if err := s.validator.Validate(candidate); err != nil {
		return err
	}

	path, err := s.resolvePath()
	if err != nil {
		return err
	}

	s.createBackup(path)

	tmp := path + ".tmp"
	if err := writeFileSync(tmp, []byte(candidate+"\n")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write staging file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace version file: %w", err)
	}

	s.cache.Delete(storeCacheKey)
	log.WithField("path", path).Infof("version file updated to %s", candidate)
	return nil
}

// createBackup copies the current content to a .backup sibling. Failures are
// logged and otherwise ignored.
func (s *Store) createBackup(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read version file for backup: %v", err)
		}
		return
	}
	if err := os.WriteFile(path+".backup", content, 0o644); err != nil {
		log.Warnf("failed to write version backup: %v", err)
	}
}

// resolvePath returns the absolute, symlink-resolved version file path and
// verifies it stays inside the base directory.
func (s *Store) resolvePath() (string, error) {
	base, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	p := s.path
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	if dir, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		p = filepath.Join(dir, filepath.Base(p))
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}

	if !isWithin(base, p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBaseDir, s.path)
	}
	return p, nil
}

func isWithin(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
