package http_utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrBodyUnreadable is set on a Response whose headers arrived but whose body
// cannot be inspected, e.g. because it uses a content encoding the client does
// not decode. Status and headers remain usable.
var ErrBodyUnreadable = errors.New("response body is not readable")

// Response is the subset of an HTTP response the scanners reason about.
type Response struct {
	URL           string
	StatusCode    int
	ContentType   string
	ContentLength int64 // -1 when unknown
	Body          []byte
	// BodyErr is non nil when the body could not be read. Bodies are only
	// read for 2xx responses.
	BodyErr   error
	Truncated bool
}

// Unreadable reports whether the body was withheld for an opaque reason rather
// than a transport failure.
func (r *Response) Unreadable() bool {
	return errors.Is(r.BodyErr, ErrBodyUnreadable)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher performs a single unauthenticated GET request. Implementations must
// not follow redirects and must honour ctx for both headers and body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	Client      *http.Client
	UserAgent   string
	Headers     map[string]string
	RateLimit   float64 // requests per second, 0 disables limiting
	MaxBodySize int64   // bytes, 0 means unlimited
}

// HTTPFetcher implements Fetcher on top of net/http.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	headers     map[string]string
	limiter     *rate.Limiter
	maxBodySize int64
}

// NewHTTPFetcher builds a fetcher, filling in a redirect-less HTTP/1.1 client and
// the default user agent when they are not provided.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	f := &HTTPFetcher{
		client:      opts.Client,
		userAgent:   opts.UserAgent,
		headers:     opts.Headers,
		maxBodySize: opts.MaxBodySize,
	}
	if f.client == nil {
		f.client = CreateHttpClient(ProtocolHTTP1)
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return f
}

// NewHTTPFetcherFromConfig builds a fetcher from the navigation.* settings.
func NewHTTPFetcherFromConfig() *HTTPFetcher {
	return NewHTTPFetcher(FetcherOptions{
		Client:      CreateHttpClient(ParseProtocol(viper.GetString("navigation.protocol"))),
		UserAgent:   viper.GetString("navigation.user_agent"),
		Headers:     viper.GetStringMapString("navigation.headers"),
		RateLimit:   viper.GetFloat64("navigation.rate_limit"),
		MaxBodySize: viper.GetInt64("navigation.max_body_mb") * 1024 * 1024,
	})
}

// WithMaxBodySize returns a copy of the fetcher using a different body limit.
func (f *HTTPFetcher) WithMaxBodySize(size int64) *HTTPFetcher {
	clone := *f
	clone.maxBodySize = size
	return &clone
}

func (f *HTTPFetcher) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")
	for key, value := range f.headers {
		req.Header.Set(key, value)
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	response := &Response{
		URL:           url,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if !response.IsSuccess() {
		return response, nil
	}

	if encoding := strings.ToLower(resp.Header.Get("Content-Encoding")); encoding != "" && encoding != "identity" && !resp.Uncompressed {
		response.BodyErr = fmt.Errorf("%w: content encoding %q", ErrBodyUnreadable, encoding)
		return response, nil
	}

	var reader io.Reader = resp.Body
	if f.maxBodySize > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodySize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("Error reading response body")
		response.BodyErr = err
		return response, nil
	}
	if f.maxBodySize > 0 && int64(len(body)) > f.maxBodySize {
		body = body[:f.maxBodySize]
		response.Truncated = true
	}
	response.Body = body
	return response, nil
}
