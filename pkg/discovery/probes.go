package discovery

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 5 * time.Second

var (
	gitConfigRemoteRegex = regexp.MustCompile(`url = (.*(github\.com|gitlab\.com).*)`)
	gitObjectRegex       = regexp.MustCompile(`[a-f0-9]{40}`)
)

// Checker runs probes and catalog checks against a target origin. Every
// request gets its own Timeout, layered on the caller's context.
type Checker struct {
	Fetcher http_utils.Fetcher
	Timeout time.Duration
}

// NewChecker creates a checker, falling back to DefaultTimeout when timeout is not positive.
func NewChecker(fetcher http_utils.Fetcher, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{Fetcher: fetcher, Timeout: timeout}
}

func (c *Checker) get(ctx context.Context, rawURL string) (*http_utils.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	resp, err := c.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("Request failed")
		return nil, err
	}
	return resp, nil
}

// fetchOK returns the readable body of a 200 response at origin+path.
func (c *Checker) fetchOK(ctx context.Context, origin, path string) (*http_utils.Response, bool) {
	resp, err := c.get(ctx, lib.JoinURLPath(origin, path))
	if err != nil || resp.StatusCode != http.StatusOK || resp.BodyErr != nil {
		return resp, false
	}
	return resp, true
}

// looksLikeHTML is the signature probes' false positive guard.
func looksLikeHTML(resp *http_utils.Response) bool {
	if strings.Contains(resp.ContentType, "text/html") {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	return bytes.Contains(lower, []byte("<!doctype")) || bytes.Contains(lower, []byte("<html"))
}

// CheckGit looks for an exposed .git directory through HEAD, falling back to config.
func (c *Checker) CheckGit(ctx context.Context, origin string) bool {
	if resp, ok := c.fetchOK(ctx, origin, GitHeadPath); ok && !looksLikeHTML(resp) {
		if bytes.HasPrefix(resp.Body, []byte(GitHeadHeader)) || gitObjectRegex.Match(resp.Body) {
			return true
		}
	}

	resp, ok := c.fetchOK(ctx, origin, GitConfigPath)
	if !ok || looksLikeHTML(resp) {
		return false
	}
	text := string(resp.Body)
	return strings.Contains(text, "[core]") ||
		strings.Contains(text, "[remote]") ||
		strings.Contains(text, "[branch]") ||
		gitConfigRemoteRegex.MatchString(text)
}

// CheckSvn looks for an exposed Subversion working copy database.
func (c *Checker) CheckSvn(ctx context.Context, origin string) bool {
	resp, ok := c.fetchOK(ctx, origin, SvnDBPath)
	if !ok || looksLikeHTML(resp) {
		return false
	}
	return bytes.HasPrefix(resp.Body, []byte(SvnDBHeader))
}

// CheckHg looks for an exposed Mercurial store manifest.
func (c *Checker) CheckHg(ctx context.Context, origin string) bool {
	resp, ok := c.fetchOK(ctx, origin, HgManifestPath)
	if !ok || looksLikeHTML(resp) {
		return false
	}
	for _, header := range HgManifestHeaders {
		if bytes.HasPrefix(resp.Body, []byte(header)) {
			return true
		}
	}
	return false
}

// CheckEnv reports a .env file served with a 200 and a non HTML content type.
// The body is not inspected.
func (c *Checker) CheckEnv(ctx context.Context, origin string) bool {
	resp, err := c.get(ctx, lib.JoinURLPath(origin, EnvPath))
	if err != nil || resp.StatusCode != http.StatusOK {
		return false
	}
	return !strings.Contains(resp.ContentType, "text/html")
}

// CheckDsStore looks for a macOS .DS_Store file.
func (c *Checker) CheckDsStore(ctx context.Context, origin string) bool {
	resp, ok := c.fetchOK(ctx, origin, DsStorePath)
	if !ok || looksLikeHTML(resp) {
		return false
	}
	return bytes.HasPrefix(resp.Body, []byte(DsStoreHeader))
}

// NormalizeRemoteURL converts a git remote (ssh or https form) into a browsable https URL.
func NormalizeRemoteURL(remote string) string {
	repoURL := strings.Replace(remote, "github.com:", "github.com/", 1)
	repoURL = strings.Replace(repoURL, "gitlab.com:", "gitlab.com/", 1)
	repoURL = strings.TrimPrefix(repoURL, "ssh://")
	repoURL = strings.TrimPrefix(repoURL, "git@")
	repoURL = strings.TrimSuffix(repoURL, ".git")
	if !strings.HasPrefix(repoURL, "http") {
		repoURL = "https://" + repoURL
	}
	return repoURL
}

// CheckOpenSource extracts the github/gitlab remote from an exposed .git/config and
// returns it when the public repository page answers with a 200.
func (c *Checker) CheckOpenSource(ctx context.Context, origin string) (string, bool) {
	resp, ok := c.fetchOK(ctx, origin, GitConfigPath)
	if !ok {
		return "", false
	}
	match := gitConfigRemoteRegex.FindSubmatch(resp.Body)
	if match == nil {
		return "", false
	}

	repoURL := NormalizeRemoteURL(strings.TrimSpace(string(match[1])))
	if parsed, err := url.Parse(repoURL); err != nil || parsed.Host == "" {
		return "", false
	}

	check, err := c.get(ctx, repoURL)
	if err != nil || check.StatusCode != http.StatusOK {
		return "", false
	}
	log.Debug().Str("origin", origin).Str("repository", repoURL).Msg("Exposed repository is open source")
	return repoURL, true
}

// Probe is a fixed-path signature check.
type Probe struct {
	// Function is the scan.functions key enabling the probe.
	Function string
	Type     FindingType
	// Path is the path reported in findings.
	Path  string
	Check func(c *Checker, ctx context.Context, origin string) bool
}

var Probes = []Probe{
	{Function: "git", Type: FindingGit, Path: GitHeadPath, Check: (*Checker).CheckGit},
	{Function: "svn", Type: FindingSvn, Path: SvnDBPath, Check: (*Checker).CheckSvn},
	{Function: "hg", Type: FindingHg, Path: HgManifestPath, Check: (*Checker).CheckHg},
	{Function: "env", Type: FindingEnv, Path: EnvPath, Check: (*Checker).CheckEnv},
	{Function: "ds_store", Type: FindingDsStore, Path: DsStorePath, Check: (*Checker).CheckDsStore},
}
