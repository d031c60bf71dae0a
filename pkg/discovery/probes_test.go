package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverResponse struct {
	status      int
	body        string
	contentType string
	delay       time.Duration
}

// setupTestServer answers the configured paths and 404s everything else.
func setupTestServer(responses map[string]serverResponse) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "Not Found")
			return
		}
		if response.delay > 0 {
			time.Sleep(response.delay)
		}
		if response.contentType != "" {
			w.Header().Set("Content-Type", response.contentType)
		}
		status := response.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		fmt.Fprint(w, response.body)
	}))
}

// fakeFetcher serves canned responses keyed by URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*http_utils.Response
	requested []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*http_utils.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, url)
	if resp, ok := f.responses[url]; ok {
		return resp, nil
	}
	return &http_utils.Response{URL: url, StatusCode: http.StatusNotFound, ContentLength: -1}, nil
}

func newTestChecker() *Checker {
	return NewChecker(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}), time.Second)
}

func TestCheckGit(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string]serverResponse
		expected  bool
	}{
		{
			name: "HEAD with symbolic ref",
			responses: map[string]serverResponse{
				GitHeadPath: {body: "ref: refs/heads/main\n", contentType: "text/plain"},
			},
			expected: true,
		},
		{
			name: "detached HEAD",
			responses: map[string]serverResponse{
				GitHeadPath: {body: "4b825dc642cb6eb9a060e54bf8d69288fbee4904\n", contentType: "application/octet-stream"},
			},
			expected: true,
		},
		{
			name: "HTML HEAD falls back to config",
			responses: map[string]serverResponse{
				GitHeadPath:   {body: "<!DOCTYPE html><html></html>", contentType: "text/html"},
				GitConfigPath: {body: "[core]\n\trepositoryformatversion = 0\n", contentType: "text/plain"},
			},
			expected: true,
		},
		{
			name: "config with github remote only",
			responses: map[string]serverResponse{
				GitConfigPath: {body: "\turl = git@github.com:acme/site.git\n"},
			},
			expected: true,
		},
		{
			name: "SPA answering everything",
			responses: map[string]serverResponse{
				GitHeadPath:   {body: "<html><div id=root></div></html>", contentType: "text/html"},
				GitConfigPath: {body: "<html><div id=root></div></html>", contentType: "text/html"},
			},
			expected: false,
		},
		{
			name: "HEAD without git content",
			responses: map[string]serverResponse{
				GitHeadPath: {body: "hello world", contentType: "text/plain"},
			},
			expected: false,
		},
		{
			name:      "nothing exposed",
			responses: map[string]serverResponse{},
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(tt.responses)
			defer server.Close()
			assert.Equal(t, tt.expected, newTestChecker().CheckGit(context.Background(), server.URL))
		})
	}
}

func TestCheckGitRedirectIsNegative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			fmt.Fprint(w, "ref: refs/heads/main")
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer server.Close()

	assert.False(t, newTestChecker().CheckGit(context.Background(), server.URL))
}

func TestSignatureProbes(t *testing.T) {
	server := setupTestServer(map[string]serverResponse{
		SvnDBPath:      {body: "SQLite format 3\x00", contentType: "application/octet-stream"},
		HgManifestPath: {body: "\x00\x01\x00\x01rest-of-revlog"},
		EnvPath:        {body: "DB_PASSWORD=secret\n", contentType: "text/plain"},
		DsStorePath:    {body: "\x00\x00\x00\x01Bud1\x00\x00", contentType: "application/octet-stream"},
	})
	defer server.Close()

	checker := newTestChecker()
	ctx := context.Background()
	assert.True(t, checker.CheckSvn(ctx, server.URL))
	assert.True(t, checker.CheckHg(ctx, server.URL))
	assert.True(t, checker.CheckEnv(ctx, server.URL))
	assert.True(t, checker.CheckDsStore(ctx, server.URL))
}

func TestSignatureProbesRejectHTML(t *testing.T) {
	shell := "<!doctype html><html><body><div id=\"root\"></div><script src=\"/app.js\"></script></body></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, shell)
	}))
	defer server.Close()

	checker := newTestChecker()
	ctx := context.Background()
	for _, probe := range Probes {
		assert.False(t, probe.Check(checker, ctx, server.URL), probe.Function)
	}
}

func TestSignatureProbesRejectSniffedHTML(t *testing.T) {
	server := setupTestServer(map[string]serverResponse{
		SvnDBPath:   {body: "SQLite <html>", contentType: "application/octet-stream"},
		DsStorePath: {body: "\x00\x00\x00\x01Bud1<!DOCTYPE html>", contentType: "application/octet-stream"},
	})
	defer server.Close()

	checker := newTestChecker()
	assert.False(t, checker.CheckSvn(context.Background(), server.URL))
	assert.False(t, checker.CheckDsStore(context.Background(), server.URL))
}

func TestCheckEnvIgnoresBody(t *testing.T) {
	server := setupTestServer(map[string]serverResponse{
		EnvPath: {body: "anything", contentType: "application/octet-stream"},
	})
	defer server.Close()

	assert.True(t, newTestChecker().CheckEnv(context.Background(), server.URL))
}

func TestProbeTimeoutIsNegative(t *testing.T) {
	server := setupTestServer(map[string]serverResponse{
		EnvPath: {body: "A=1", contentType: "text/plain", delay: 300 * time.Millisecond},
	})
	defer server.Close()

	checker := NewChecker(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}), 50*time.Millisecond)
	assert.False(t, checker.CheckEnv(context.Background(), server.URL))
}

func TestNormalizeRemoteURL(t *testing.T) {
	tests := map[string]string{
		"git@github.com:acme/site.git":        "https://github.com/acme/site",
		"ssh://git@gitlab.com:group/proj.git": "https://gitlab.com/group/proj",
		"https://github.com/acme/site.git":    "https://github.com/acme/site",
		"http://gitlab.com/group/project":     "http://gitlab.com/group/project",
		"github.com/acme/site":                "https://github.com/acme/site",
	}
	for input, expected := range tests {
		assert.Equal(t, expected, NormalizeRemoteURL(input), input)
	}
}

func TestCheckOpenSource(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string]*http_utils.Response{
		"https://target.example/.git/config": {
			StatusCode:    http.StatusOK,
			ContentType:   "text/plain",
			ContentLength: -1,
			Body:          []byte("[remote \"origin\"]\n\turl = git@github.com:acme/site.git\n"),
		},
		"https://github.com/acme/site": {StatusCode: http.StatusOK, ContentLength: -1},
	}}

	repo, ok := NewChecker(fetcher, time.Second).CheckOpenSource(context.Background(), "https://target.example")
	require.True(t, ok)
	assert.Equal(t, "https://github.com/acme/site", repo)
}

func TestCheckOpenSourcePrivateRepository(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string]*http_utils.Response{
		"https://target.example/.git/config": {
			StatusCode:    http.StatusOK,
			ContentLength: -1,
			Body:          []byte("\turl = https://gitlab.com/acme/private.git\n"),
		},
	}}

	_, ok := NewChecker(fetcher, time.Second).CheckOpenSource(context.Background(), "https://target.example")
	assert.False(t, ok)
	assert.Contains(t, fetcher.requested, "https://gitlab.com/acme/private")
}

func TestCheckOpenSourceWithoutKnownHost(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string]*http_utils.Response{
		"https://target.example/.git/config": {
			StatusCode:    http.StatusOK,
			ContentLength: -1,
			Body:          []byte("\turl = https://git.internal/acme/site.git\n"),
		},
	}}

	_, ok := NewChecker(fetcher, time.Second).CheckOpenSource(context.Background(), "https://target.example")
	assert.False(t, ok)
	assert.Len(t, fetcher.requested, 1)
}
