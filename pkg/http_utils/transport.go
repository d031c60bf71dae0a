package http_utils

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
)

// Protocol selects the transport used to reach targets.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
	ProtocolHTTP3 Protocol = "http3"
)

// ParseProtocol maps a config value to a Protocol, defaulting to HTTP/1.1.
func ParseProtocol(value string) Protocol {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "http2", "h2":
		return ProtocolHTTP2
	case "http3", "h3":
		return ProtocolHTTP3
	default:
		return ProtocolHTTP1
	}
}

func getProxyFunc() func(*http.Request) (*url.URL, error) {
	proxy := viper.GetString("navigation.proxy")
	if proxy == "" {
		return http.ProxyFromEnvironment
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		log.Error().Err(err).Str("proxy", proxy).Msg("Error parsing proxy url, using environment proxy")
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(proxyURL)
}

// CreateHttpTransport creates an HTTP transport with no pre-defined http version.
func CreateHttpTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: getProxyFunc(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       100,
		DisableKeepAlives:     false,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			Renegotiation:      tls.RenegotiateOnceAsClient,
			InsecureSkipVerify: true,
		},
	}
	return transport
}

// CreateHttp2Transport creates an HTTP/2 transport.
func CreateHttp2Transport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: false,
		DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
			if cfg == nil {
				cfg = &tls.Config{}
			}
			cfg.NextProtos = []string{"h2"}
			return tls.DialWithDialer(&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}, network, addr, cfg)
		},
		TLSClientConfig: &tls.Config{
			Renegotiation:      tls.RenegotiateOnceAsClient,
			InsecureSkipVerify: true,
		},
	}
}

// CreateHttp3Transport creates an HTTP/3 transport.
func CreateHttp3Transport() *http3.RoundTripper {
	return &http3.RoundTripper{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		DisableCompression: false,
	}
}

// noRedirect makes the client hand back 3xx responses instead of following them.
func noRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// CreateHttpClient creates a client for the given protocol that never follows redirects.
func CreateHttpClient(protocol Protocol) *http.Client {
	var transport http.RoundTripper
	switch protocol {
	case ProtocolHTTP2:
		transport = CreateHttp2Transport()
	case ProtocolHTTP3:
		transport = CreateHttp3Transport()
	default:
		transport = CreateHttpTransport()
	}
	return &http.Client{
		Transport:     transport,
		CheckRedirect: noRedirect,
	}
}
