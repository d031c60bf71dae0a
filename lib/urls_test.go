package lib

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		ok       bool
	}{
		{"example.com", "https://example.com", true},
		{"  example.com/  ", "https://example.com", true},
		{"http://example.com///", "http://example.com", true},
		{"https://Example.COM/some/path?q=1#frag", "https://example.com", true},
		{"HTTP://example.com", "http://example.com", true},
		{"example.com:8443", "https://example.com:8443", true},
		{"https://example.com:443", "https://example.com", true},
		{"http://example.com:80/", "http://example.com", true},
		{"10.0.0.1", "https://10.0.0.1", true},
		{"http://[::1]:8080", "http://[::1]:8080", true},
		{"", "", false},
		{"   ", "", false},
		{"https://", "", false},
		{"  http:///  ", "", false},
		{"https:", "", false},
		{"http://exa mple.com", "", false},
		{"%zz", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			origin, ok := NormalizeOrigin(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, origin)
		})
	}
}

func TestNormalizeTargets(t *testing.T) {
	targets := NormalizeTargets([]string{
		"b.example.com",
		"https://a.example.com/",
		"not a host at all ::",
		"https://b.example.com/path",
		"a.example.com",
		"",
	})

	assert.Equal(t, []string{"https://b.example.com", "https://a.example.com"}, targets)
	for _, target := range targets {
		assert.True(t, strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://"))
		assert.False(t, strings.HasSuffix(target, "/"))
	}
}

func TestJoinURLPath(t *testing.T) {
	assert.Equal(t, "https://example.com/.git/HEAD", JoinURLPath("https://example.com/", "/.git/HEAD"))
	assert.Equal(t, "https://example.com/.env", JoinURLPath("https://example.com", ".env"))
}

func TestOriginSlug(t *testing.T) {
	assert.Equal(t, "example-com", OriginSlug("https://example.com"))
	assert.Equal(t, "example-com-8443", OriginSlug("https://Example.com:8443"))
	assert.Equal(t, "127-0-0-1-8080", OriginSlug("http://127.0.0.1:8080"))
	assert.Equal(t, "example-com", OriginSlug("example.com"))
}
