// Package gitdump reconstructs an exposed .git directory over HTTP. It follows
// refs, logs, trees, the index and pack listings from a handful of seed paths,
// stops once no fetch has settled for a quiet period, and packs everything it
// retrieved into a zip archive.
package gitdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-playground/validator/v10"
	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	ErrNoBaseURL  = errors.New("no base url to dump")
	ErrAlreadyRun = errors.New("dumper has already been run")
)

// DumpOptions bounds a single dump. Durations are in milliseconds so they map
// directly onto the dump.* config keys.
type DumpOptions struct {
	MaxConnections   int `json:"max_connections" yaml:"max_connections" mapstructure:"max_connections" validate:"min=1"`
	BaseWaitMs       int `json:"base_wait_ms" yaml:"base_wait_ms" mapstructure:"base_wait_ms" validate:"min=1"`
	MaxWaitMs        int `json:"max_wait_ms" yaml:"max_wait_ms" mapstructure:"max_wait_ms" validate:"min=1,gtefield=BaseWaitMs"`
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"min=1"`
	QuietPeriodMs    int `json:"quiet_period_ms" yaml:"quiet_period_ms" mapstructure:"quiet_period_ms" validate:"min=1"`
	RequestTimeoutMs int `json:"request_timeout_ms" yaml:"request_timeout_ms" mapstructure:"request_timeout_ms" validate:"min=1"`
}

func DefaultDumpOptions() DumpOptions {
	return DumpOptions{
		MaxConnections:   20,
		BaseWaitMs:       100,
		MaxWaitMs:        10000,
		FailureThreshold: 250,
		QuietPeriodMs:    10000,
		RequestTimeoutMs: 5000,
	}
}

// DumpOptionsFromConfig reads dump.* settings.
func DumpOptionsFromConfig() (DumpOptions, error) {
	opts := DefaultDumpOptions()
	if err := viper.UnmarshalKey("dump", &opts); err != nil {
		return opts, fmt.Errorf("failed to read dump options: %w", err)
	}
	return opts, nil
}

func (o DumpOptions) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range validationErrors {
				return fmt.Errorf("invalid dump option %s: must satisfy %s=%s, got %v", fieldErr.Field(), fieldErr.Tag(), fieldErr.Param(), fieldErr.Value())
			}
		}
		return err
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules the dumper's backoff and quiescence timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCreatingZip Status = "creating_zip"
	StatusCompleted   Status = "completed"
)

// Progress counts fetch attempts. Total only counts paths actually requested.
type Progress struct {
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	Status     Status `json:"status"`
}

type ProgressHandler func(Progress)

type Option func(*Dumper)

func WithDumpOptions(opts DumpOptions) Option {
	return func(d *Dumper) {
		d.opts = opts
	}
}

func WithClock(clock Clock) Option {
	return func(d *Dumper) {
		d.clock = clock
	}
}

func WithProgressHandler(handler ProgressHandler) Option {
	return func(d *Dumper) {
		d.onProgress = handler
	}
}

// Dumper crawls one repository. It is single use: all scheduling state lives on
// the instance and is discarded with it.
type Dumper struct {
	fetcher    http_utils.Fetcher
	origin     string
	opts       DumpOptions
	clock      Clock
	onProgress ProgressHandler

	// requestCtx is detached from Run's ctx so cancelling a dump never cuts a request short.
	requestCtx context.Context

	mu            sync.Mutex
	started       bool
	visited       map[string]struct{}
	files         []File
	statusCodes   map[int]int
	progress      Progress
	running       int
	waiting       int
	failedInARow  int
	lastDiscovery time.Time
	quietTimer    Timer
	finalized     bool
	archive       *Archive
	archiveErr    error
	done          chan struct{}
}

// New creates a dumper for the repository served under baseURL/.git/.
func New(fetcher http_utils.Fetcher, baseURL string, opts ...Option) *Dumper {
	d := &Dumper{
		fetcher:     fetcher,
		opts:        DefaultDumpOptions(),
		clock:       realClock{},
		visited:     make(map[string]struct{}),
		statusCodes: make(map[int]int),
		progress:    Progress{Status: StatusDownloading},
		done:        make(chan struct{}),
	}
	if origin, ok := lib.NormalizeOrigin(baseURL); ok {
		d.origin = origin
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run crawls the repository and returns the archive once the crawl is quiet,
// the failure threshold is exceeded or ctx is done. Whatever was retrieved by
// then is archived; an early stop is not an error.
func (d *Dumper) Run(ctx context.Context) (*Archive, error) {
	if d.origin == "" {
		return nil, ErrNoBaseURL
	}
	if err := d.opts.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	d.started = true
	d.mu.Unlock()

	d.requestCtx = context.WithoutCancel(ctx)
	log.Info().Str("origin", d.origin).Msg("Starting repository dump")
	d.emit(d.Progress())

	if !d.validateHead() {
		log.Warn().Str("origin", d.origin).Msg("HEAD validation failed, continuing anyway")
	}

	seeds, listed := d.directoryListing()
	if !listed {
		for _, path := range WellKnownPaths {
			seeds = append(seeds, fileItem(path))
		}
	}
	log.Debug().Str("origin", d.origin).Bool("listing", listed).Int("seeds", len(seeds)).Msg("Seeding repository dump")
	for _, item := range seeds {
		d.download(item, false)
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		log.Info().Str("origin", d.origin).Msg("Repository dump interrupted, archiving partial results")
		d.finalize()
		<-d.done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.archive, d.archiveErr
}

// Progress returns the latest counters.
func (d *Dumper) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Visited returns the number of distinct paths requested so far.
func (d *Dumper) Visited() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visited)
}

func (d *Dumper) emit(p Progress) {
	if d.onProgress != nil {
		d.onProgress(p)
	}
}

func (d *Dumper) url(path string) string {
	return d.origin + gitDir + path
}

func (d *Dumper) get(url string) (*http_utils.Response, error) {
	ctx, cancel := context.WithTimeout(d.requestCtx, ms(d.opts.RequestTimeoutMs))
	defer cancel()
	return d.fetcher.Fetch(ctx, url)
}

func (d *Dumper) validateHead() bool {
	resp, err := d.get(d.url("HEAD"))
	if err != nil || resp.StatusCode != http.StatusOK || resp.BodyErr != nil {
		return false
	}
	lower := bytes.ToLower(resp.Body)
	if strings.Contains(resp.ContentType, "text/html") || bytes.Contains(lower, []byte("<!doctype")) || bytes.Contains(lower, []byte("<html")) {
		return false
	}
	return validHead(resp.Body)
}

// directoryListing queues every link of an autoindex page served for /.git/.
func (d *Dumper) directoryListing() ([]workItem, bool) {
	resp, err := d.get(d.url(""))
	if err != nil || resp.StatusCode != http.StatusOK || resp.BodyErr != nil {
		return nil, false
	}
	text := string(resp.Body)
	if !strings.Contains(resp.ContentType, "text/html") {
		return nil, false
	}
	if !strings.Contains(text, "HEAD") && !strings.Contains(text, "index") && !strings.Contains(text, "objects") {
		return nil, false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		log.Debug().Err(err).Str("origin", d.origin).Msg("Could not parse directory listing")
		return nil, false
	}

	var items []workItem
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if path, ok := listingPath(href); ok && !seen[path] {
			seen[path] = true
			items = append(items, fileItem(path))
		}
	})
	items = append(items, fileItem(".gitignore"))
	return items, true
}

func listingPath(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "../") || strings.HasPrefix(href, "/") || strings.HasPrefix(href, "http") {
		return "", false
	}
	path := strings.TrimPrefix(href, "./")
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path, path != ""
}

// download schedules a fetch of item. Paths are requested at most once; when the
// pool is saturated the item is retried after a linear backoff.
func (d *Dumper) download(item workItem, requeued bool) {
	d.mu.Lock()
	if requeued {
		d.waiting--
	}
	if d.finalized {
		d.mu.Unlock()
		return
	}
	cleaned, ok := cleanPath(item.path)
	if !ok {
		d.armQuietTimerLocked()
		d.mu.Unlock()
		log.Debug().Str("origin", d.origin).Str("path", item.path).Msg("Skipping path outside the git directory")
		return
	}
	item.path = cleaned
	if _, ok := d.visited[item.path]; ok {
		d.armQuietTimerLocked()
		d.mu.Unlock()
		return
	}
	if d.failedInARow > d.opts.FailureThreshold {
		d.mu.Unlock()
		log.Warn().Str("origin", d.origin).Int("failures", d.opts.FailureThreshold).Msg("Too many failed downloads in a row, stopping dump")
		d.finalize()
		return
	}
	if d.running >= d.opts.MaxConnections {
		d.waiting++
		delay := min(time.Duration(d.waiting)*ms(d.opts.BaseWaitMs), ms(d.opts.MaxWaitMs))
		d.mu.Unlock()
		d.clock.AfterFunc(delay, func() {
			d.download(item, true)
		})
		return
	}

	d.visited[item.path] = struct{}{}
	d.running++
	d.progress.Total++
	snapshot := d.progress
	d.mu.Unlock()

	d.emit(snapshot)
	go d.fetch(item)
}

func (d *Dumper) fetch(item workItem) {
	body, status, err := d.retrieve(item.path)

	d.mu.Lock()
	if d.finalized {
		d.running--
		d.mu.Unlock()
		return
	}
	if status != 0 {
		d.statusCodes[status]++
	}
	if err != nil {
		d.progress.Failed++
		d.failedInARow++
	} else {
		d.progress.Successful++
		d.failedInARow = 0
		d.files = append(d.files, File{Path: item.path, Body: body})
		d.lastDiscovery = d.clock.Now()
	}
	snapshot := d.progress
	d.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("path", item.path).Msg("Repository file not retrieved")
	}
	d.emit(snapshot)

	// The task stays running until its discoveries are queued so the quiet
	// timer cannot fire in between.
	if err == nil {
		for _, next := range discover(item, body) {
			d.download(next, false)
		}
	}

	d.mu.Lock()
	d.running--
	if !d.finalized {
		d.armQuietTimerLocked()
	}
	d.mu.Unlock()
}

var errRejected = errors.New("response rejected")

// retrieve fetches a path and applies the dump's acceptance rules.
func (d *Dumper) retrieve(path string) ([]byte, int, error) {
	resp, err := d.get(d.url(path))
	if err != nil {
		return nil, 0, err
	}
	switch {
	case resp.StatusCode != http.StatusOK:
		return nil, resp.StatusCode, fmt.Errorf("%w: status code %d", errRejected, resp.StatusCode)
	case strings.Contains(resp.ContentType, "text/html"):
		return nil, resp.StatusCode, fmt.Errorf("%w: html content type", errRejected)
	case resp.ContentLength == 0:
		return nil, resp.StatusCode, fmt.Errorf("%w: zero content length", errRejected)
	case resp.BodyErr != nil:
		return nil, resp.StatusCode, resp.BodyErr
	case len(resp.Body) == 0:
		return nil, resp.StatusCode, fmt.Errorf("%w: empty body", errRejected)
	}
	head := bytes.ToLower(resp.Body[:min(htmlSniffBytes, len(resp.Body))])
	if bytes.Contains(head, []byte("<!doctype")) || bytes.Contains(head, []byte("<html")) {
		return nil, resp.StatusCode, fmt.Errorf("%w: html body", errRejected)
	}
	return resp.Body, resp.StatusCode, nil
}

func (d *Dumper) armQuietTimerLocked() {
	if d.quietTimer != nil {
		d.quietTimer.Stop()
	}
	d.quietTimer = d.clock.AfterFunc(ms(d.opts.QuietPeriodMs), d.onQuiet)
}

func (d *Dumper) onQuiet() {
	d.mu.Lock()
	idle := d.running == 0 && d.waiting == 0
	lastDiscovery := d.lastDiscovery
	d.mu.Unlock()
	if idle {
		log.Debug().Str("origin", d.origin).Time("last_discovery", lastDiscovery).Msg("Repository dump is quiet")
		d.finalize()
	}
}

// finalize builds the archive. Only the first call has any effect.
func (d *Dumper) finalize() {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return
	}
	d.finalized = true
	if d.quietTimer != nil {
		d.quietTimer.Stop()
	}
	d.progress.Status = StatusCreatingZip
	files := append([]File(nil), d.files...)
	statusCodes := make(map[int]int, len(d.statusCodes))
	for code, count := range d.statusCodes {
		statusCodes[code] = count
	}
	snapshot := d.progress
	d.mu.Unlock()

	d.emit(snapshot)
	name := ArchiveName(d.origin)
	archive, err := BuildArchive(name, files, statusCodes)
	if err != nil {
		log.Error().Err(err).Str("origin", d.origin).Msg("Failed to build repository archive")
	} else {
		log.Info().Str("origin", d.origin).Int("files", len(files)).Str("size", lib.BytesCountToHumanReadable(int64(len(archive.Bytes)))).Msg("Repository dump completed")
	}

	d.mu.Lock()
	d.archive, d.archiveErr = archive, err
	d.progress.Status = StatusCompleted
	snapshot = d.progress
	d.mu.Unlock()

	d.emit(snapshot)
	close(d.done)
}
