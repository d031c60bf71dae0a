package gitdump

import (
	"path"
	"strings"
)

const (
	gitDir         = "/.git/"
	objectsPrefix  = "objects/"
	packPrefix     = "objects/pack/"
	packExt        = ".pack"
	idxExt         = ".idx"
	sha1Size       = 20
	htmlSniffBytes = 100
)

// WellKnownPaths are queued when the .git directory has no listing.
var WellKnownPaths = []string{
	"HEAD",
	"ORIG_HEAD",
	"description",
	"config",
	"COMMIT_EDITMSG",
	"index",
	"packed-refs",
	"objects/info/packs",
	"refs/heads/master",
	"refs/heads/main",
	"refs/remotes/origin/HEAD",
	"refs/stash",
	"logs/HEAD",
	"logs/refs/stash",
	"logs/refs/heads/master",
	"logs/refs/heads/main",
	"logs/refs/remotes/origin/HEAD",
	"info/refs",
	"info/exclude",
	"FETCH_HEAD",
	"MERGE_HEAD",
	"CHERRY_PICK_HEAD",
	"BISECT_LOG",
	"REBASE_HEAD",
	"refs/tags",
	"refs/remotes/origin/master",
	"refs/remotes/origin/main",
	"hooks/pre-commit",
	"hooks/post-commit",
	"hooks/pre-push",
	"modules",
}

// refFiles always carry object ids, so every hash they contain is trusted.
var refFiles = map[string]bool{
	"packed-refs": true,
	"FETCH_HEAD":  true,
	"ORIG_HEAD":   true,
	"HEAD":        true,
}

// workItem is a path under .git/ waiting to be fetched.
type workItem struct {
	path string
	// object marks zlib compressed loose objects.
	object bool
	// inspect is false for files whose content is not mined for new paths.
	inspect bool
}

func fileItem(path string) workItem {
	return workItem{path: path, inspect: true}
}

func objectItem(sha string) workItem {
	return workItem{path: objectsPrefix + sha[:2] + "/" + sha[2:], object: true, inspect: true}
}

func packItems(name string) []workItem {
	return []workItem{
		{path: packPrefix + name + packExt},
		{path: packPrefix + name + idxExt},
	}
}

// cleanPath normalizes a path taken from server content and reports whether it
// stays inside .git/. Absolute paths, backslashes and ".." elements are refused.
func cleanPath(p string) (string, bool) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", false
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", false
	}
	// Listings link directories with a trailing slash.
	if strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned, true
}
