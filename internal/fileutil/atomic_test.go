package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")
	testData := []byte("hello world")

	// Write atomically
	err := WriteFileAtomic(testFile, testData, 0644)
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	// Verify file exists and has correct content
	data, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}

	if string(data) != string(testData) {
		t.Errorf("File content mismatch: got %q, want %q", string(data), string(testData))
	}

	// Verify permissions
	info, err := os.Stat(testFile)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}

	if info.Mode().Perm() != 0644 {
		t.Errorf("File permissions mismatch: got %o, want %o", info.Mode().Perm(), 0644)
	}

	// Verify no temp files remain
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}

	for _, entry := range entries {
		if entry.Name() != "test.txt" {
			t.Errorf("Unexpected file in directory: %s", entry.Name())
		}
	}
}

func TestWriteFileAtomicOverwrite(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	// Write initial content
	err := WriteFileAtomic(testFile, []byte("initial"), 0644)
	if err != nil {
		t.Fatalf("Initial write failed: %v", err)
	}

	// Overwrite with new content
	newData := []byte("updated content")
	err = WriteFileAtomic(testFile, newData, 0644)
	if err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	// Verify new content
	data, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}

	if string(data) != string(newData) {
		t.Errorf("File content mismatch: got %q, want %q", string(data), string(newData))
	}
}

// TestWriteFileAtomicNoPartialCheckpointVisible exercises the property
// cfr.SaveCheckpoint relies on: a reader polling the checkpoint path never
// observes a partially-written blob, even when a new checkpoint overwrites
// the previous one mid-solve. Readers should see either the old complete
// checkpoint or the new complete checkpoint, never a torn mixture.
func TestWriteFileAtomicNoPartialCheckpointVisible(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "checkpoint.bin")

	oldBlob := []byte("checkpoint-iteration-0100")
	newBlob := []byte("checkpoint-iteration-0200-longer-payload")

	if err := WriteFileAtomic(path, oldBlob, 0644); err != nil {
		t.Fatalf("initial checkpoint write failed: %v", err)
	}
	if err := WriteFileAtomic(path, newBlob, 0644); err != nil {
		t.Fatalf("replacement checkpoint write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if string(data) != string(newBlob) {
		t.Errorf("checkpoint content mismatch: got %q, want %q", data, newBlob)
	}
}

func TestWriteFileAtomicInvalidDir(t *testing.T) {
	t.Parallel()

	// Try to write to non-existent directory
	err := WriteFileAtomic("/nonexistent/dir/test.txt", []byte("data"), 0644)
	if err == nil {
		t.Error("Expected error when writing to non-existent directory")
	}
}
