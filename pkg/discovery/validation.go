package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"
)

var (
	envLineRegex      = regexp.MustCompile(`(?m)^[A-Z_][A-Z0-9_]*\s*=`)
	htaccessRegex     = regexp.MustCompile(`(?m)^(RewriteRule|RewriteCond|Directory|Options|Allow|Deny|Order)`)
	sqlStatementRegex = regexp.MustCompile(`(?m)^(CREATE|INSERT|UPDATE|DELETE|SELECT|DROP|ALTER|USE|SHOW)`)
	robotsRegex       = regexp.MustCompile(`(?m)^(User-agent|Disallow|Allow|Sitemap|Crawl-delay)`)
)

// PathResult is the outcome of checking a catalog path.
type PathResult struct {
	Found bool
	// Size is the Content-Length when known, else the body length. Nil when not found.
	Size *int64
}

// candidate carries everything the classification rules look at.
type candidate struct {
	path        string
	fileName    string
	extension   string
	contentType string
	// contentLength is -1 when the server did not announce it.
	contentLength int64
	text          string
	sample        string
	html          bool
	// truncated is set when the body was cut at the fetcher's size limit.
	truncated bool
}

func newCandidate(path string, resp *http_utils.Response) *candidate {
	c := &candidate{
		path:          path,
		fileName:      strings.ToLower(path[strings.LastIndex(path, "/")+1:]),
		extension:     strings.ToLower(path[strings.LastIndex(path, ".")+1:]),
		contentType:   resp.ContentType,
		contentLength: resp.ContentLength,
		text:          string(resp.Body),
		truncated:     resp.Truncated,
	}
	sample := c.text
	if len(sample) > contentSampleSize {
		sample = sample[:contentSampleSize]
	}
	c.sample = strings.ToLower(sample)
	c.html = strings.Contains(c.contentType, "text/html") ||
		c.sampleHas("<!doctype", "<html", "react", "react-dom", "__reactroot", "vue", "ng-app", "app-root") ||
		(c.sampleHas("root") && c.sampleHas("script"))
	return c
}

func (c *candidate) sampleHas(markers ...string) bool {
	for _, marker := range markers {
		if strings.Contains(c.sample, marker) {
			return true
		}
	}
	return false
}

func (c *candidate) pathHas(markers ...string) bool {
	for _, marker := range markers {
		if strings.Contains(c.path, marker) {
			return true
		}
	}
	return false
}

func (c *candidate) expectsHTML() bool {
	return c.extension == "html" || c.extension == "htm"
}

func (c *candidate) largerThan(limit int64) bool {
	return c.contentLength > limit
}

func (c *candidate) looksLike404() bool {
	return c.sampleHas("404", "not found", "page not found", "oops", "return to home")
}

func (c *candidate) looksLikeSPA() bool {
	return c.sampleHas("react", "angular", "vue", "app-root")
}

// rule is one row of the ordered classification table. The first rule whose
// matches returns true decides validity.
type rule struct {
	name     string
	matches  func(c *candidate) bool
	validate func(c *candidate) bool
}

func rejectHTML(c *candidate) bool {
	return !c.html
}

var rules = []rule{
	{
		name:    "env",
		matches: func(c *candidate) bool { return c.pathHas(".env") || c.fileName == ".env" },
		validate: func(c *candidate) bool {
			return !c.html && envLineRegex.MatchString(c.text)
		},
	},
	{
		name:    "php",
		matches: func(c *candidate) bool { return c.extension == "php" || c.pathHas(".php") },
		validate: func(c *candidate) bool {
			return !c.html || c.sampleHas("<?php", "<?=")
		},
	},
	{
		name: "config",
		matches: func(c *candidate) bool {
			return c.pathHas("config") || strings.Contains(c.fileName, "config") || c.extension == "conf"
		},
		validate: func(c *candidate) bool {
			if c.html {
				if c.pathHas("web.config") {
					return c.sampleHas("<?xml", "<configuration")
				}
				return false
			}
			if c.extension == "conf" || strings.Contains(c.fileName, "nginx") || strings.Contains(c.fileName, "apache") {
				return c.sampleHas("server", "location", "proxy", "listen")
			}
			return true
		},
	},
	{
		name:    "htaccess",
		matches: func(c *candidate) bool { return c.pathHas(".htaccess") || c.fileName == ".htaccess" },
		validate: func(c *candidate) bool {
			if c.html {
				return false
			}
			return htaccessRegex.MatchString(c.text) || len(strings.TrimSpace(c.text)) < 100
		},
	},
	{
		name:     "bak",
		matches:  func(c *candidate) bool { return c.extension == "bak" || c.pathHas(".bak") },
		validate: rejectHTML,
	},
	{
		name:    "sql",
		matches: func(c *candidate) bool { return c.extension == "sql" || c.pathHas(".sql") },
		validate: func(c *candidate) bool {
			return !c.html && sqlStatementRegex.MatchString(c.text)
		},
	},
	{
		name: "structured",
		matches: func(c *candidate) bool {
			switch c.extension {
			case "yml", "yaml", "json":
				return true
			}
			switch c.fileName {
			case "package.json", "package-lock.json", "composer.json":
				return true
			}
			return false
		},
		validate: func(c *candidate) bool {
			if c.html {
				return false
			}
			if (c.extension == "json" || strings.Contains(c.fileName, ".json")) && !c.truncated {
				return json.Valid([]byte(c.text))
			}
			return true
		},
	},
	{
		name:     "log",
		matches:  func(c *candidate) bool { return c.pathHas(".log") || strings.Contains(c.fileName, "log") },
		validate: rejectHTML,
	},
	{
		name:    "python",
		matches: func(c *candidate) bool { return c.extension == "py" || c.pathHas(".py") },
		validate: func(c *candidate) bool {
			return !c.html || c.sampleHas("import ", "def ", "class ")
		},
	},
	{
		name: "package",
		matches: func(c *candidate) bool {
			switch c.fileName {
			case "package.json", "composer.json", "requirements.txt", "gemfile":
				return true
			}
			return false
		},
		validate: rejectHTML,
	},
	{
		name:    "robots",
		matches: func(c *candidate) bool { return c.fileName == "robots.txt" },
		validate: func(c *candidate) bool {
			return !c.html && robotsRegex.MatchString(c.text)
		},
	},
	{
		name:    "sitemap",
		matches: func(c *candidate) bool { return c.fileName == "sitemap.xml" || c.pathHas("sitemap") },
		validate: func(c *candidate) bool {
			return !c.html && c.sampleHas("<?xml", "<urlset", "<sitemap")
		},
	},
	{
		name: "cross-domain policy",
		matches: func(c *candidate) bool {
			return c.fileName == "crossdomain.xml" || c.fileName == "clientaccesspolicy.xml"
		},
		validate: func(c *candidate) bool {
			return !c.html && c.sampleHas("<?xml", "<cross-domain-policy", "<access-policy", "<allow-access-from")
		},
	},
	{
		name:     "actuator",
		matches:  func(c *candidate) bool { return c.pathHas("actuator") },
		validate: rejectHTML,
	},
	{
		name:     "debug/admin",
		matches:  func(c *candidate) bool { return c.pathHas("debug", "admin", "phpinfo", "info.php") },
		validate: validateDebugPage,
	},
	{
		name:    "backup",
		matches: func(c *candidate) bool { return c.pathHas("/backup") || c.fileName == "backup" },
		validate: func(c *candidate) bool {
			if !c.html {
				return true
			}
			if c.looksLike404() || c.looksLikeSPA() {
				return false
			}
			return c.sampleHas("backup", "directory listing", "index of", "file list")
		},
	},
	{
		name:    "api",
		matches: func(c *candidate) bool { return c.pathHas("/api", "/rest", "/ftp", "/encryptionkeys") },
		validate: func(c *candidate) bool {
			if !c.html {
				return true
			}
			if c.pathHas("swagger", "api-docs") {
				return c.sampleHas("swagger", "openapi", "api documentation")
			}
			return !c.looksLikeSPA()
		},
	},
}

func validateDebugPage(c *candidate) bool {
	if !c.html {
		return true
	}
	is404 := c.looksLike404()
	if !is404 && !c.looksLikeSPA() && !c.largerThan(spaSizeThreshold) {
		return true
	}
	if is404 {
		return false
	}
	return c.sampleHas("phpinfo", "php version", "php configuration", "system information",
		"environment variables", "$_server", "$_env") ||
		(c.pathHas("phpinfo") && c.sampleHas("php"))
}

// spaCatchAll rejects HTML responses that passed their rule but still look like an
// application shell served for a path that names a non HTML file.
func spaCatchAll(c *candidate) bool {
	isSPA := c.looksLikeSPA() || c.sampleHas("root") || c.largerThan(spaSizeThreshold)
	return isSPA && !c.expectsHTML() && (strings.Contains(c.path, ".") || strings.Contains(c.fileName, "."))
}

// matchingRule returns the first rule matching c, or nil.
func matchingRule(c *candidate) *rule {
	for i := range rules {
		if rules[i].matches(c) {
			return &rules[i]
		}
	}
	return nil
}

// unreadableFallback decides a 200 response whose body could not be read, trusting
// only a content type that matches the file's expected MIME family.
func unreadableFallback(c *candidate) bool {
	if strings.Contains(c.contentType, "text/html") || c.contentLength <= 0 {
		return false
	}
	switch {
	case c.extension == "json" && strings.Contains(c.contentType, "json"):
		return true
	case c.extension == "txt" && strings.Contains(c.contentType, "text/plain"):
		return true
	case (c.extension == "yml" || c.extension == "yaml") && strings.Contains(c.contentType, "yaml"):
		return true
	case c.pathHas(".env") && strings.Contains(c.contentType, "text/plain"):
		return true
	case c.pathHas("actuator") && strings.Contains(c.contentType, "json"):
		return true
	}
	return false
}

func found(size int64) PathResult {
	return PathResult{Found: true, Size: &size}
}

// Classify decides whether a response for a catalog path is a genuine exposure.
func Classify(path string, resp *http_utils.Response) PathResult {
	if resp == nil || resp.StatusCode != http.StatusOK {
		return PathResult{}
	}

	c := newCandidate(path, resp)
	if !c.expectsHTML() && strings.Contains(c.contentType, "text/html") {
		return PathResult{}
	}

	if resp.BodyErr != nil {
		if resp.Unreadable() && unreadableFallback(c) {
			return found(resp.ContentLength)
		}
		return PathResult{}
	}

	valid := true
	if r := matchingRule(c); r != nil {
		valid = r.validate(c)
	}
	if c.html && valid && spaCatchAll(c) {
		valid = false
	}
	if !valid {
		return PathResult{}
	}

	size := resp.ContentLength
	if size < 0 {
		size = int64(len(resp.Body))
	}
	return found(size)
}

// CheckPath fetches origin+path and classifies the response.
func (c *Checker) CheckPath(ctx context.Context, origin, path string) PathResult {
	resp, err := c.get(ctx, lib.JoinURLPath(origin, path))
	if err != nil {
		return PathResult{}
	}
	return Classify(path, resp)
}
