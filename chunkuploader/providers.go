package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// FileChunkProvider reads fixed-size chunks of a file on disk.
// Chunks are read with ReadAt, so concurrent GetChunk calls are safe.
type FileChunkProvider struct {
	file          *os.File
	size          int64
	chunkSize     int64
	lastChunkSize int64
	numChunks     int
}

// NewFileChunkProvider opens path and splits it into chunkSize pieces.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size should be positive, got %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}

	numChunks, lastChunkSize := ChunkLayout(info.Size(), chunkSize)

	return &FileChunkProvider{
		file:          file,
		size:          info.Size(),
		chunkSize:     chunkSize,
		lastChunkSize: lastChunkSize,
		numChunks:     numChunks,
	}, nil
}

// Name returns the base name of the file.
func (p *FileChunkProvider) Name() string {
	info, err := p.file.Stat()
	if err != nil {
		return p.file.Name()
	}
	return info.Name()
}

// Size returns the file size in bytes.
func (p *FileChunkProvider) Size() int64 {
	return p.size
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// ChunkSize returns the size of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.numChunks {
		return 0
	}
	if index == p.numChunks-1 {
		return p.lastChunkSize
	}
	return p.chunkSize
}

// GetChunk reads the chunk at the given index into memory so it can be retried.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	size := p.ChunkSize(index)
	offset := int64(index) * p.chunkSize

	chunk := make([]byte, size)
	n, err := io.ReadFull(io.NewSectionReader(p.file, offset, size), chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("chunk %d: expected %d bytes, read %d (file changed?)", index+1, size, n)
	}

	return bytes.NewReader(chunk), nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// SplitBytes cuts data into chunkSize pieces.
func SplitBytes(data []byte, chunkSize int) *ByteSliceChunkProvider {
	var chunks [][]byte
	for chunkSize > 0 && len(data) > chunkSize {
		chunks = append(chunks, data[:chunkSize])
		data = data[chunkSize:]
	}
	chunks = append(chunks, data)
	return NewByteSliceChunkProvider(chunks)
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader for the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return bytes.NewReader(p.chunks[index]), nil
}

func readChunk(provider ChunkProvider, index int) ([]byte, error) {
	reader, err := provider.GetChunk(index)
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", index+1, err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	return data, nil
}

func totalSize(provider ChunkProvider) int64 {
	var size int64
	for i := 0; i < provider.NumChunks(); i++ {
		size += provider.ChunkSize(i)
	}
	return size
}
