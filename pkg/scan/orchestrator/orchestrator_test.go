package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/discovery"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/scan/options"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, url string) (*http_utils.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, url string) (*http_utils.Response, error) {
	return f(ctx, url)
}

func notFound(url string) *http_utils.Response {
	return &http_utils.Response{URL: url, StatusCode: http.StatusNotFound, ContentLength: -1}
}

type recorder struct {
	mu       sync.Mutex
	findings []Finding
	progress []Progress
}

func (r *recorder) onFinding(f Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
}

func (r *recorder) onProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) last() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[len(r.progress)-1]
}

func (r *recorder) count(status ScanStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, p := range r.progress {
		if p.Status == status && (i == 0 || r.progress[i-1].Status != status) {
			n++
		}
	}
	return n
}

func newRecordedOrchestrator(fetcher http_utils.Fetcher) (*Orchestrator, *recorder) {
	rec := &recorder{}
	o := New(fetcher,
		WithFindingHandler(rec.onFinding),
		WithProgressHandler(rec.onProgress),
		WithBatchDelay(time.Millisecond),
	)
	return o, rec
}

func setupTestServer(responses map[string]string, contentTypes map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if ct, ok := contentTypes[r.URL.Path]; ok {
			w.Header().Set("Content-Type", ct)
		}
		fmt.Fprint(w, body)
	}))
}

func TestRunDetectsGitRepository(t *testing.T) {
	server := setupTestServer(
		map[string]string{"/.git/HEAD": "ref: refs/heads/main\n"},
		map[string]string{"/.git/HEAD": "text/plain"},
	)
	defer server.Close()

	o, rec := newRecordedOrchestrator(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}))
	findings, err := o.Run(context.Background(), []string{server.URL}, options.DefaultScanOptions())
	require.NoError(t, err)

	require.Len(t, findings, 1)
	finding := findings[0]
	assert.Equal(t, discovery.FindingGit, finding.Type)
	assert.Equal(t, "/.git/HEAD", finding.Path)
	assert.Equal(t, server.URL+"/.git/HEAD", finding.FoundAt)
	assert.Equal(t, FindingStatusSuccess, finding.Status)
	assert.NotEmpty(t, finding.ID)

	final := rec.last()
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Total)
	assert.Equal(t, final.Total, final.Completed)
	assert.Equal(t, len(rec.findings), final.Findings)
	assert.Equal(t, 0, final.EstimatedTimeRemaining)
	assert.Empty(t, final.CurrentDomain)
	assert.Equal(t, 1, rec.count(StatusCompleted))
}

func TestRunDetectsEnvFile(t *testing.T) {
	server := setupTestServer(
		map[string]string{"/.env": "DB_PASSWORD=secret\n"},
		map[string]string{"/.env": "text/plain"},
	)
	defer server.Close()

	o := New(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}), WithBatchDelay(0))
	findings, err := o.Run(context.Background(), []string{server.URL}, options.DefaultScanOptions())
	require.NoError(t, err)

	require.Len(t, findings, 1)
	assert.Equal(t, discovery.FindingEnv, findings[0].Type)
	assert.Equal(t, "/.env", findings[0].Path)
}

func TestRunSuppressesSPAShell(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!doctype html><html><body><div id="root"></div><script src="/main.js"></script></body></html>`)
	}))
	defer server.Close()

	o, rec := newRecordedOrchestrator(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}))
	findings, err := o.Run(context.Background(), []string{server.URL}, options.DefaultScanOptions())
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Empty(t, rec.findings)
	assert.Equal(t, 0, rec.last().Findings)
}

func TestRunIsIdempotent(t *testing.T) {
	server := setupTestServer(
		map[string]string{
			"/.git/HEAD":  "ref: refs/heads/main\n",
			"/robots.txt": "User-agent: *\nDisallow: /\n",
			"/dump.sql":   "CREATE TABLE a (id int);",
		},
		map[string]string{"/robots.txt": "text/plain", "/dump.sql": "text/plain"},
	)
	defer server.Close()

	o := New(http_utils.NewHTTPFetcher(http_utils.FetcherOptions{}), WithBatchDelay(0))
	keys := func(findings []Finding) []string {
		var out []string
		for _, f := range findings {
			out = append(out, string(f.Type)+" "+f.Path)
		}
		sort.Strings(out)
		return out
	}

	first, err := o.Run(context.Background(), []string{server.URL, server.URL + "/"}, options.DefaultScanOptions())
	require.NoError(t, err)
	second, err := o.Run(context.Background(), []string{server.URL}, options.DefaultScanOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"backup /dump.sql", "git /.git/HEAD", "info /robots.txt"}, keys(first))
	assert.Equal(t, keys(first), keys(second))
}

func TestRunDeduplicatesSharedPaths(t *testing.T) {
	dsStore := []byte("\x00\x00\x00\x01Bud1\x00\x00\x10\x00")
	var mu sync.Mutex
	requests := 0
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		u, _ := url.Parse(rawURL)
		if u.Path != "/.DS_Store" {
			return notFound(rawURL), nil
		}
		mu.Lock()
		requests++
		delay := time.Duration(requests%3) * time.Millisecond
		mu.Unlock()
		time.Sleep(delay)
		return &http_utils.Response{
			URL:           rawURL,
			StatusCode:    http.StatusOK,
			ContentType:   "application/octet-stream",
			ContentLength: int64(len(dsStore)),
			Body:          dsStore,
		}, nil
	})

	for i := 0; i < 20; i++ {
		findings, err := New(fetcher, WithBatchDelay(0)).Run(context.Background(), []string{"example.com"}, options.DefaultScanOptions())
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, "/.DS_Store", findings[0].Path)
		assert.Equal(t, discovery.FindingDsStore, findings[0].Type)
	}

	opts := options.DefaultScanOptions()
	opts.Functions.DsStore = false
	findings, err := New(fetcher, WithBatchDelay(0)).Run(context.Background(), []string{"example.com"}, opts)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, discovery.FindingBackup, findings[0].Type)
}

func TestRunRespectsDisabledFunctions(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		u, _ := url.Parse(rawURL)
		mu.Lock()
		paths = append(paths, u.Path)
		mu.Unlock()
		return notFound(rawURL), nil
	})

	opts := options.DefaultScanOptions()
	opts.Functions = options.ScanFunctions{Svn: true, LogFiles: true}

	_, err := New(fetcher, WithBatchDelay(0)).Run(context.Background(), []string{"example.com"}, opts)
	require.NoError(t, err)

	sort.Strings(paths)
	expected := append([]string{"/.svn/wc.db"}, discovery.LogPaths...)
	sort.Strings(expected)
	assert.Equal(t, expected, paths)
}

func TestRunDropsInvalidTargets(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		return notFound(rawURL), nil
	})

	o, rec := newRecordedOrchestrator(fetcher)
	_, err := o.Run(context.Background(), []string{"", "   ", "a.example", "https://a.example/", "http://bad host"}, options.DefaultScanOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.last().Total)
	assert.Equal(t, 1, rec.last().Completed)
}

func TestRunMarksOpenSourceRepositories(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		switch rawURL {
		case "https://target.example/.git/HEAD":
			return &http_utils.Response{StatusCode: http.StatusOK, ContentType: "text/plain", ContentLength: -1, Body: []byte("ref: refs/heads/main\n")}, nil
		case "https://target.example/.git/config":
			return &http_utils.Response{StatusCode: http.StatusOK, ContentType: "text/plain", ContentLength: -1, Body: []byte("\turl = git@github.com:acme/site.git\n")}, nil
		case "https://github.com/acme/site":
			return &http_utils.Response{StatusCode: http.StatusOK, ContentLength: -1}, nil
		}
		return notFound(rawURL), nil
	})

	opts := options.DefaultScanOptions()
	opts.CheckOpenSource = true
	findings, err := New(fetcher, WithBatchDelay(0)).Run(context.Background(), []string{"target.example"}, opts)
	require.NoError(t, err)

	require.Len(t, findings, 1)
	assert.True(t, findings[0].IsOpenSource)
	assert.Equal(t, "https://github.com/acme/site", findings[0].OpenSourceURL)
	assert.Equal(t, "Yes", findings[0].TableRow()[5])
}

func TestRunCancellation(t *testing.T) {
	var mu sync.Mutex
	hosts := map[string]struct{}{}
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		u, _ := url.Parse(rawURL)
		mu.Lock()
		hosts[u.Host] = struct{}{}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return notFound(rawURL), nil
	})

	var targets []string
	for i := 0; i < 30; i++ {
		targets = append(targets, fmt.Sprintf("t%d.example", i))
	}

	opts := options.DefaultScanOptions()
	opts.MaxConnections = 5

	rec := &recorder{}
	var o *Orchestrator
	o = New(fetcher,
		WithBatchDelay(time.Millisecond),
		WithProgressHandler(func(p Progress) {
			rec.onProgress(p)
			if p.Completed >= 1 {
				o.Cancel()
			}
		}),
	)

	_, err := o.Run(context.Background(), targets, opts)
	require.NoError(t, err)

	final := rec.last()
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, 30, final.Total)
	assert.LessOrEqual(t, final.Completed, 5)
	assert.Equal(t, 1, rec.count(StatusCancelled))
	assert.Equal(t, 0, rec.count(StatusCompleted))
	assert.LessOrEqual(t, len(hosts), 5)
}

func TestRunContextCancellationReturnsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		t.Errorf("unexpected request to %s", rawURL)
		return notFound(rawURL), nil
	})
	o, rec := newRecordedOrchestrator(fetcher)
	findings, err := o.Run(ctx, []string{"a.example", "b.example"}, options.DefaultScanOptions())
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, StatusCancelled, rec.last().Status)
	assert.Equal(t, 0, rec.last().Completed)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return notFound(rawURL), nil
	})

	o := New(fetcher, WithBatchDelay(0))
	done := make(chan error)
	go func() {
		_, err := o.Run(context.Background(), []string{"a.example"}, options.DefaultScanOptions())
		done <- err
	}()

	<-started
	_, err := o.Run(context.Background(), []string{"b.example"}, options.DefaultScanOptions())
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(release)
	assert.NoError(t, <-done)
}

func TestRunPauseAndResume(t *testing.T) {
	fetcher := fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		return notFound(rawURL), nil
	})

	opts := options.DefaultScanOptions()
	opts.MaxConnections = 5
	var targets []string
	for i := 0; i < 10; i++ {
		targets = append(targets, fmt.Sprintf("p%d.example", i))
	}

	paused := make(chan struct{})
	var once sync.Once
	var o *Orchestrator
	o = New(fetcher, WithBatchDelay(0), WithProgressHandler(func(p Progress) {
		if p.Completed == 5 {
			once.Do(func() {
				o.Pause()
				close(paused)
			})
		}
	}))

	done := make(chan []Finding)
	go func() {
		findings, _ := o.Run(context.Background(), targets, opts)
		done <- findings
	}()

	<-paused
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 5, o.Progress().Completed)
	assert.Equal(t, StatusScanning, o.Progress().Status)

	o.Resume()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish after resume")
	}
	assert.Equal(t, 10, o.Progress().Completed)
	assert.Equal(t, StatusCompleted, o.Progress().Status)
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	opts := options.DefaultScanOptions()
	opts.MaxConnections = 100
	_, err := New(fetchFunc(func(ctx context.Context, rawURL string) (*http_utils.Response, error) {
		return notFound(rawURL), nil
	})).Run(context.Background(), []string{"a.example"}, opts)
	assert.Error(t, err)
}
