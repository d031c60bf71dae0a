package gitdump

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"io"
	"regexp"
	"strings"
)

var (
	hashRegex        = regexp.MustCompile(`\b[a-f0-9]{40}\b`)
	lineHashRegex    = regexp.MustCompile(`(?m)^(?:ref:|\s)?[a-f0-9]{40}(?:\s|$)`)
	symbolicRefRegex = regexp.MustCompile(`(?m)^ref:\s*(refs/\S+)`)
	refNameRegex     = regexp.MustCompile(`refs/[a-zA-Z0-9\-._/]+`)
	packNameRegex    = regexp.MustCompile(`pack-[a-f0-9]{40}`)
	headRegex        = regexp.MustCompile(`(?m)^(ref:\s*refs/\S+|[a-f0-9]{40})$`)
)

// gitVocabulary marks the window around a hash as git content.
var gitVocabulary = []string{"refs/", "commit", "tree", "parent", "fetch", "push", "clone"}

const (
	contextBefore = 10
	contextAfter  = 50
)

// inflate decompresses a loose object.
func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// parseTree extracts the object ids of a decompressed tree object. Entries are
// "<mode> <name>\0<20 byte sha>".
func parseTree(data []byte) []string {
	if !bytes.HasPrefix(data, []byte("tree ")) {
		return nil
	}
	header := bytes.IndexByte(data, 0)
	if header < 0 {
		return nil
	}

	var hashes []string
	offset := header + 1
	for offset < len(data) {
		modeEnd := bytes.IndexByte(data[offset:], ' ')
		if modeEnd < 0 {
			break
		}
		nameEnd := bytes.IndexByte(data[offset+modeEnd+1:], 0)
		if nameEnd < 0 {
			break
		}
		shaStart := offset + modeEnd + 1 + nameEnd + 1
		if shaStart+sha1Size > len(data) {
			break
		}
		hashes = append(hashes, hex.EncodeToString(data[shaStart:shaStart+sha1Size]))
		offset = shaStart + sha1Size
	}
	return hashes
}

// parseIndex extracts the object ids listed in a version 2 or 3 index file.
func parseIndex(data []byte) []string {
	const (
		headerSize   = 12
		statSize     = 40
		flagsSize    = 2
		extendedFlag = 0x4000
	)
	if len(data) < headerSize || string(data[:4]) != "DIRC" {
		return nil
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil
	}
	count := binary.BigEndian.Uint32(data[8:12])

	var hashes []string
	offset := headerSize
	for i := uint32(0); i < count; i++ {
		shaStart := offset + statSize
		flagsStart := shaStart + sha1Size
		if flagsStart+flagsSize > len(data) {
			break
		}
		hashes = append(hashes, hex.EncodeToString(data[shaStart:flagsStart]))

		flags := binary.BigEndian.Uint16(data[flagsStart : flagsStart+flagsSize])
		nameStart := flagsStart + flagsSize
		if version == 3 && flags&extendedFlag != 0 {
			nameStart += 2
		}
		if nameStart > len(data) {
			break
		}
		nameLen := bytes.IndexByte(data[nameStart:], 0)
		if nameLen < 0 {
			break
		}
		fixed := nameStart - offset
		offset += (fixed + nameLen + 8) &^ 7
	}
	return hashes
}

func isRefFile(path string) bool {
	return strings.Contains(path, "refs/") || strings.Contains(path, "logs/") || refFiles[path]
}

// scanHashes returns the 40 hex ids found in text. Outside ref and log files an
// id is only trusted when git vocabulary surrounds it.
func scanHashes(path, text string) []string {
	trusted := isRefFile(path)
	var hashes []string
	for _, loc := range hashRegex.FindAllStringIndex(text, -1) {
		hash := text[loc[0]:loc[1]]
		if trusted || inGitContext(text, loc[0]) {
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

func inGitContext(text string, at int) bool {
	window := text[max(0, at-contextBefore):min(len(text), at+contextAfter)]
	if lineHashRegex.MatchString(window) {
		return true
	}
	for _, word := range gitVocabulary {
		if strings.Contains(window, word) {
			return true
		}
	}
	return false
}

// scanSymbolicRef returns the ref named by a "ref: refs/..." line, if any.
func scanSymbolicRef(text string) (string, bool) {
	match := symbolicRefRegex.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// scanPackedRefs returns every ref name listed in packed-refs or info/refs.
func scanPackedRefs(text string) []string {
	var refs []string
	for _, ref := range refNameRegex.FindAllString(text, -1) {
		if !strings.HasSuffix(ref, "*") {
			refs = append(refs, ref)
		}
	}
	return refs
}

func scanPacks(text string) []string {
	return packNameRegex.FindAllString(text, -1)
}

// validHead reports whether a HEAD body names a ref or a commit.
func validHead(body []byte) bool {
	return headRegex.Match(bytes.TrimSpace(body))
}

// discover mines a retrieved file for further paths to fetch. Objects are
// inflated first and fall back to the raw bytes when they do not inflate.
func discover(item workItem, body []byte) []workItem {
	if !item.inspect {
		return nil
	}
	data := body
	if item.object {
		if inflated, err := inflate(body); err == nil {
			data = inflated
		}
	}
	text := string(data)

	var items []workItem
	seen := make(map[string]bool)
	add := func(next workItem) {
		cleaned, ok := cleanPath(next.path)
		if !ok {
			return
		}
		next.path = cleaned
		if !seen[next.path] {
			seen[next.path] = true
			items = append(items, next)
		}
	}

	for _, sha := range parseTree(data) {
		add(objectItem(sha))
	}
	if item.path == "index" {
		for _, sha := range parseIndex(data) {
			add(objectItem(sha))
		}
	} else {
		for _, sha := range scanHashes(item.path, text) {
			add(objectItem(sha))
		}
	}
	for _, name := range scanPacks(text) {
		for _, pack := range packItems(name) {
			add(pack)
		}
	}
	if ref, ok := scanSymbolicRef(text); ok {
		add(fileItem(ref))
		add(fileItem("logs/" + ref))
	}
	if item.path == "packed-refs" || item.path == "info/refs" {
		for _, ref := range scanPackedRefs(text) {
			add(fileItem(ref))
			add(fileItem("logs/" + ref))
		}
	}
	return items
}
