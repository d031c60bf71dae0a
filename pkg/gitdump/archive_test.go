package gitdump

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readArchive(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = string(content)
	}
	return entries
}

func TestArchiveName(t *testing.T) {
	tests := map[string]string{
		"https://example.com":            "example_com",
		"http://127.0.0.1:8080":          "127_0_0_1_8080",
		"HTTPS://user@example.com:8443":  "user_example_com_8443",
		"https://sub.domain.example.org": "sub_domain_example_org",
	}
	for origin, expected := range tests {
		assert.Equal(t, expected, ArchiveName(origin), origin)
	}
}

func TestDownloadStats(t *testing.T) {
	stats := DownloadStats(map[int]int{404: 2, 200: 3, 500: 1})
	assert.Equal(t, "HTTP Status code for downloaded files: 200 Good, 404 Normal, 403 and 5XX Bad\n\n200: 3\n404: 2\n500: 1", stats)

	assert.Equal(t, statusDescription, DownloadStats(nil))
}

func TestBuildArchive(t *testing.T) {
	files := []File{
		{Path: "HEAD", Body: []byte("ref: refs/heads/main\n")},
		{Path: "objects/ab/cdef", Body: []byte{0x78, 0x9c, 0x01}},
	}
	archive, err := BuildArchive("example_com", files, map[int]int{200: 2, 404: 1})
	require.NoError(t, err)

	assert.Equal(t, "example_com.zip", archive.FileName())
	assert.Equal(t, 2, archive.Files)

	entries := readArchive(t, archive.Bytes)
	assert.Len(t, entries, 3)
	assert.Equal(t, "ref: refs/heads/main\n", entries["example_com/.git/HEAD"])
	assert.Equal(t, string([]byte{0x78, 0x9c, 0x01}), entries["example_com/.git/objects/ab/cdef"])
	assert.Contains(t, entries[StatsFileName], "\n200: 2\n404: 1")
}

func TestBuildArchiveSkipsEscapingPaths(t *testing.T) {
	files := []File{
		{Path: "HEAD", Body: []byte("ref: refs/heads/main\n")},
		{Path: "refs/../../../../../tmp/pwned", Body: []byte("x")},
		{Path: "/etc/cron.d/job", Body: []byte("x")},
		{Path: "refs/", Body: []byte("refs listing")},
	}
	archive, err := BuildArchive("example_com", files, map[int]int{200: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, archive.Files)

	entries := readArchive(t, archive.Bytes)
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, "example_com/.git/HEAD")
	assert.Contains(t, entries, StatsFileName)
}

func TestArchiveSave(t *testing.T) {
	archive, err := BuildArchive("example_com", nil, nil)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "dumps")
	path, err := archive.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "example_com.zip"), path)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, archive.Bytes, written)
}
