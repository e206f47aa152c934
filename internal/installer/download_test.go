package installer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReassembleConcatenatesInAscendingOrderAndVerifiesHash(t *testing.T) {
	dir := t.TempDir()
	chunkDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		t.Fatal(err)
	}

	parts := []string{"hello, ", "granite ", "installer"}
	for i, p := range parts {
		if err := os.WriteFile(filepath.Join(chunkDir, fmt.Sprintf("%d.tmp", i)), []byte(p), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	full := strings.Join(parts, "")
	sum := sha1.Sum([]byte(full))
	expected := hex.EncodeToString(sum[:])

	dest := filepath.Join(dir, "out", "archive.jar")
	if err := reassemble(chunkDir, dest, len(parts), expected); err != nil {
		t.Fatalf("reassemble: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read reassembled file: %v", err)
	}
	if string(got) != full {
		t.Fatalf("reassembled content = %q, want %q", got, full)
	}

	if _, err := os.Stat(chunkDir); !os.IsNotExist(err) {
		t.Fatalf("chunk directory should be removed after successful reassembly")
	}
}

func TestReassembleRejectsHashMismatch(t *testing.T) {
	dir := t.TempDir()
	chunkDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(chunkDir, "0.tmp"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "out", "archive.jar")
	err := reassemble(chunkDir, dest, 1, "0000000000000000000000000000000000000000")
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch error, got %v", err)
	}
}

func TestPlanChunksFallsBackWithoutAcceptRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ranges, err := planChunks(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("planChunks: %v", err)
	}
	if ranges != nil {
		t.Fatalf("expected nil ranges (fallback to regular GET) when Accept-Ranges absent, got %v", ranges)
	}
}

func TestPlanChunksSplitsByFixedSize(t *testing.T) {
	const size = chunkSize*2 + 100
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ranges, err := planChunks(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("planChunks: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(ranges), ranges)
	}
	if ranges[0].start != 0 || ranges[0].end != chunkSize-1 {
		t.Fatalf("unexpected first chunk: %v", ranges[0])
	}
	if ranges[2].end != size-1 {
		t.Fatalf("last chunk should end at size-1, got %d", ranges[2].end)
	}
}

func TestFileHashMatchesAndFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("some content")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(content)
	expected := hex.EncodeToString(sum[:])

	if !fileHashMatches(path, expected) {
		t.Fatal("expected hash match")
	}
	if fileHashMatches(path, "deadbeef") {
		t.Fatal("expected hash mismatch for wrong digest")
	}
	if !fileExists(path) {
		t.Fatal("expected file to exist")
	}
	if fileExists(filepath.Join(dir, "missing.bin")) {
		t.Fatal("expected missing file to report absent")
	}
}
