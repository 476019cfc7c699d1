// Package version implements the update check for the agenthub binary.
// Results are cached on disk so repeated invocations do not hammer the
// GitHub API.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	releaseURL = "https://api.github.com/repos/marcus/agenthub/releases/latest"
	cacheTTL   = 6 * time.Hour
)

// CheckResult holds the outcome of one update check.
type CheckResult struct {
	CurrentVersion string
	LatestVersion  string
	HasUpdate      bool
	UpdateURL      string
	Error          error
}

// CacheEntry is the on-disk record of the last completed check.
type CacheEntry struct {
	LatestVersion  string    `json:"latest_version"`
	CurrentVersion string    `json:"current_version"`
	CheckedAt      time.Time `json:"checked_at"`
	HasUpdate      bool      `json:"has_update"`
}

// isDevelopment reports whether the version string marks an unreleased build.
func isDevelopment(v string) bool {
	switch v {
	case "", "unknown", "dev", "devel":
		return true
	}
	return strings.HasPrefix(v, "devel")
}

// Check queries the latest release and compares it against current.
// Development builds skip the network entirely.
func Check(current string) CheckResult {
	result := CheckResult{CurrentVersion: current}
	if isDevelopment(current) {
		return result
	}

	if entry, err := LoadCache(); err == nil && IsCacheValid(entry, current) {
		result.LatestVersion = entry.LatestVersion
		result.HasUpdate = entry.HasUpdate
		if entry.HasUpdate {
			result.UpdateURL = "https://github.com/marcus/agenthub/releases/latest"
		}
		return result
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(releaseURL)
	if err != nil {
		result.Error = err
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("release check returned %s", resp.Status)
		return result
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = err
		return result
	}

	result.LatestVersion = release.TagName
	result.HasUpdate = isNewer(release.TagName, current)
	if result.HasUpdate {
		result.UpdateURL = release.HTMLURL
	}

	_ = SaveCache(&CacheEntry{
		LatestVersion:  release.TagName,
		CurrentVersion: current,
		CheckedAt:      time.Now(),
		HasUpdate:      result.HasUpdate,
	})
	return result
}

// IsCacheValid reports whether the cached check can stand in for a fresh one:
// same running version and checked within the TTL.
func IsCacheValid(entry *CacheEntry, currentVersion string) bool {
	if entry == nil {
		return false
	}
	if entry.CurrentVersion != currentVersion {
		return false
	}
	return time.Since(entry.CheckedAt) < cacheTTL
}

func cachePath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "agenthub", "version_cache.json")
}

// LoadCache reads the cached check result from disk.
func LoadCache() (*CacheEntry, error) {
	path := cachePath()
	if path == "" {
		return nil, fmt.Errorf("no home directory")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SaveCache writes the check result to disk, creating directories as needed.
func SaveCache(entry *CacheEntry) error {
	path := cachePath()
	if path == "" {
		return fmt.Errorf("no home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// parseSemver extracts the numeric major.minor.patch triple, dropping any
// prerelease or build suffix. Missing parts default to zero.
func parseSemver(v string) [3]int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		out[i] = n
	}
	return out
}

// isNewer reports whether latest is strictly newer than current by core
// version; prerelease tags do not participate in the ordering.
func isNewer(latest, current string) bool {
	l, c := parseSemver(latest), parseSemver(current)
	for i := 0; i < 3; i++ {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}
