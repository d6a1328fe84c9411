package chunkuploader

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestByteSliceChunkProvider(t *testing.T) {
	chunks := [][]byte{
		[]byte("first chunk"),
		[]byte("second chunk with more data"),
		[]byte("third"),
	}

	provider := NewByteSliceChunkProvider(chunks)

	if provider.NumChunks() != 3 {
		t.Errorf("Expected 3 chunks, got %d", provider.NumChunks())
	}

	expectedSizes := []int64{11, 27, 5}
	for i, expected := range expectedSizes {
		if provider.ChunkSize(i) != expected {
			t.Errorf("Chunk %d: expected size %d, got %d", i, expected, provider.ChunkSize(i))
		}
	}

	for i, expectedData := range chunks {
		data, err := readChunk(provider, i)
		if err != nil {
			t.Fatalf("readChunk(%d) error: %v", i, err)
		}
		if string(data) != string(expectedData) {
			t.Errorf("Chunk %d: expected %q, got %q", i, expectedData, data)
		}
	}

	if _, err := provider.GetChunk(-1); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, err := provider.GetChunk(3); err == nil {
		t.Error("Expected error for out of range index")
	}
	if totalSize(provider) != 43 {
		t.Errorf("Expected total size 43, got %d", totalSize(provider))
	}
}

func TestSplitBytes(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		want      []int64
	}{
		{name: "exact multiple", size: 9, chunkSize: 3, want: []int64{3, 3, 3}},
		{name: "remainder", size: 10, chunkSize: 4, want: []int64{4, 4, 2}},
		{name: "smaller than chunk", size: 2, chunkSize: 5, want: []int64{2}},
		{name: "empty", size: 0, chunkSize: 5, want: []int64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := SplitBytes(make([]byte, tt.size), tt.chunkSize)
			if provider.NumChunks() != len(tt.want) {
				t.Fatalf("Expected %d chunks, got %d", len(tt.want), provider.NumChunks())
			}
			for i, want := range tt.want {
				if got := provider.ChunkSize(i); got != want {
					t.Errorf("Chunk %d: expected size %d, got %d", i, want, got)
				}
			}
		})
	}
}

func TestFileChunkProvider(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	// 30+30+30+10 = 100
	provider, err := NewFileChunkProvider(testFile, 30)
	if err != nil {
		t.Fatalf("NewFileChunkProvider error: %v", err)
	}
	defer provider.Close()

	if provider.NumChunks() != 4 {
		t.Errorf("Expected 4 chunks, got %d", provider.NumChunks())
	}
	if provider.Size() != 100 {
		t.Errorf("Expected size 100, got %d", provider.Size())
	}
	if provider.Name() != "test.bin" {
		t.Errorf("Expected name test.bin, got %s", provider.Name())
	}

	for i := 0; i < 3; i++ {
		if provider.ChunkSize(i) != 30 {
			t.Errorf("Chunk %d: expected size 30, got %d", i, provider.ChunkSize(i))
		}
	}
	if provider.ChunkSize(3) != 10 {
		t.Errorf("Last chunk: expected size 10, got %d", provider.ChunkSize(3))
	}

	// Read in reverse order to make sure chunks do not depend on a file cursor
	readData := make([]byte, 0, 100)
	parts := make([][]byte, 4)
	for i := 3; i >= 0; i-- {
		reader, err := provider.GetChunk(i)
		if err != nil {
			t.Fatalf("GetChunk(%d) error: %v", i, err)
		}
		parts[i], err = io.ReadAll(reader)
		if err != nil {
			t.Fatalf("ReadAll error: %v", err)
		}
	}
	for _, part := range parts {
		readData = append(readData, part...)
	}

	if string(readData) != string(testData) {
		t.Errorf("Read data doesn't match original")
	}

	if _, err := provider.GetChunk(4); err == nil {
		t.Error("Expected error for out of range index")
	}
}

func TestFileChunkProvider_Errors(t *testing.T) {
	if _, err := NewFileChunkProvider(filepath.Join(t.TempDir(), "missing"), 10); err == nil {
		t.Error("Expected error for missing file")
	}

	testFile := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(testFile, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := NewFileChunkProvider(testFile, 0); err == nil {
		t.Error("Expected error for zero chunk size")
	}
}

func TestChunkLayout(t *testing.T) {
	tests := []struct {
		totalSize, chunkSize int64
		wantChunks           int
		wantLast             int64
	}{
		{totalSize: 100, chunkSize: 30, wantChunks: 4, wantLast: 10},
		{totalSize: 90, chunkSize: 30, wantChunks: 3, wantLast: 30},
		{totalSize: 5, chunkSize: 30, wantChunks: 1, wantLast: 5},
		{totalSize: 0, chunkSize: 30, wantChunks: 1, wantLast: 0},
	}
	for _, tt := range tests {
		chunks, last := ChunkLayout(tt.totalSize, tt.chunkSize)
		if chunks != tt.wantChunks || last != tt.wantLast {
			t.Errorf("ChunkLayout(%d, %d) = (%d, %d), want (%d, %d)",
				tt.totalSize, tt.chunkSize, chunks, last, tt.wantChunks, tt.wantLast)
		}
	}
}

func TestManifest_ChunkNameAndPartSize(t *testing.T) {
	manifest := Manifest{FileHash: "abc", FileSize: 25, ChunkSize: 10, NumChunks: 3}

	if got := manifest.ChunkName(2); got != "abc-10-2" {
		t.Errorf("ChunkName(2) = %s, want abc-10-2", got)
	}
	if ChunkName("abc", 4096, 0) == ChunkName("abc", 3000, 0) {
		t.Error("Chunks of different layouts should not share a name")
	}

	for index, want := range []int64{10, 10, 5} {
		if got := manifest.PartSize(index); got != want {
			t.Errorf("PartSize(%d) = %d, want %d", index, got, want)
		}
	}
}
