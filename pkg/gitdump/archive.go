package gitdump

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	StatsFileName     = "DownloadStats.txt"
	statusDescription = "HTTP Status code for downloaded files: 200 Good, 404 Normal, 403 and 5XX Bad\n"
)

var (
	schemeRegex        = regexp.MustCompile(`(?i)^https?://`)
	archiveUnsafeRegex = regexp.MustCompile(`[.:@]`)
)

// File is a retrieved path under .git/ and its raw bytes.
type File struct {
	Path string
	Body []byte
}

// Archive is a finished dump.
type Archive struct {
	// Name is the archive's base name, without extension.
	Name  string
	Bytes []byte
	Files int
}

func (a *Archive) FileName() string {
	return a.Name + ".zip"
}

// Save writes the archive into dir and returns the written path.
func (a *Archive) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, a.FileName())
	if err := os.WriteFile(path, a.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return path, nil
}

// ArchiveName derives the archive name from an origin: the scheme is dropped and
// '.', ':' and '@' become '_'.
func ArchiveName(origin string) string {
	return archiveUnsafeRegex.ReplaceAllString(schemeRegex.ReplaceAllString(origin, ""), "_")
}

// DownloadStats renders the status code histogram, sorted by code.
func DownloadStats(statusCodes map[int]int) string {
	codes := make([]int, 0, len(statusCodes))
	for code := range statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	var sb strings.Builder
	sb.WriteString(statusDescription)
	for _, code := range codes {
		fmt.Fprintf(&sb, "\n%d: %d", code, statusCodes[code])
	}
	return sb.String()
}

// BuildArchive zips files under <name>/.git/ together with the download stats.
func BuildArchive(name string, files []File, statusCodes map[int]int) (*Archive, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	written := 0
	for _, file := range files {
		entry, ok := cleanPath(file.Path)
		if !ok || strings.HasSuffix(entry, "/") {
			log.Warn().Str("path", file.Path).Msg("Leaving path out of the archive")
			continue
		}
		w, err := zw.Create(name + gitDir + entry)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", file.Path, err)
		}
		if _, err := w.Write(file.Body); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", file.Path, err)
		}
		written++
	}
	w, err := zw.Create(StatsFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to add download stats to archive: %w", err)
	}
	if _, err := w.Write([]byte(DownloadStats(statusCodes))); err != nil {
		return nil, fmt.Errorf("failed to write download stats to archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return &Archive{Name: name, Bytes: buf.Bytes(), Files: written}, nil
}
