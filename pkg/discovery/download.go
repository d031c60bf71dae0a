package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
)

var (
	ErrDownloadFailed    = errors.New("failed to download file")
	ErrHTMLFalsePositive = errors.New("file appears to be HTML (false positive from SPA routing)")
)

// DownloadedFile is the validated content of a finding.
type DownloadedFile struct {
	Name string
	Body []byte
}

// DownloadFile retrieves rawURL and refuses HTML responses that stand in for the
// expected file, which is how SPA routing usually answers unknown paths.
func (c *Checker) DownloadFile(ctx context.Context, rawURL string) (*DownloadedFile, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: status code %d", ErrDownloadFailed, resp.StatusCode)
	}
	if resp.BodyErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, resp.BodyErr)
	}

	urlPath := parsed.Path
	if err := rejectHTMLDownload(urlPath, resp); err != nil {
		return nil, err
	}

	name := path.Base(urlPath)
	if name == "/" || name == "." || name == "" {
		name = "download"
	}
	return &DownloadedFile{Name: name, Body: resp.Body}, nil
}

func rejectHTMLDownload(urlPath string, resp *http_utils.Response) error {
	c := newCandidate(urlPath, resp)
	isHTML := strings.Contains(c.contentType, "text/html") || c.sampleHas("<!doctype", "<html")
	if !isHTML {
		return nil
	}
	if !c.expectsHTML() {
		return ErrHTMLFalsePositive
	}
	if c.pathHas(".env", ".php", ".json", ".yml", ".yaml", ".sql", ".log", ".bak", ".htaccess") ||
		c.fileName == "robots.txt" || c.fileName == "sitemap.xml" {
		return ErrHTMLFalsePositive
	}
	spa := c.looksLikeSPA()
	if c.pathHas("/debug", "/admin") && spa && !c.sampleHas("phpinfo", "php version", "debug", "configuration") {
		return ErrHTMLFalsePositive
	}
	if c.pathHas("/encryptionkeys", "/ftp") && spa {
		return ErrHTMLFalsePositive
	}
	return nil
}
