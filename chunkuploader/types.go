// Package chunkuploader uploads a chunked file to a Target: it fingerprints the
// file with hashengine, asks the target which chunks are missing and sends them
// in parallel as cancellable transfers, with hung detection, retries and pause.
package chunkuploader

import (
	"context"
	"io"
)

// UploadURL describes where and how to send a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string

	// FormFields, when non-nil, wraps the chunk into a multipart form with
	// these fields; the chunk itself goes into the FormFile field.
	FormFields map[string]string
	FormFile   string

	// ExpectETag makes a response without an ETag header a failure.
	ExpectETag bool
}

// ChunkProvider provides chunk data for hashing and upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	// It may be called more than once for the same index.
	GetChunk(index int) (io.Reader, error)
}

// Manifest identifies the file being uploaded.
type Manifest struct {
	FileName  string
	FileHash  string
	FileSize  int64
	ChunkSize int64
	NumChunks int
	// Encoding is set when chunk payloads are sent encoded (e.g. "zstd").
	Encoding  string
}

// ChunkName returns the server-side name of the chunk at index.
func (m Manifest) ChunkName(index int) string {
	return ChunkName(m.FileHash, m.ChunkSize, index)
}

// PartSize returns the size of the chunk at index.
func (m Manifest) PartSize(index int) int64 {
	if index == m.NumChunks-1 {
		return m.FileSize - int64(m.NumChunks-1)*m.ChunkSize
	}
	return m.ChunkSize
}

// Part is a chunk known to be stored by the target.
type Part struct {
	Index int
	ETag  string
}

// Plan is the target's answer to Prepare.
type Plan struct {
	// UploadID is an opaque target-side session identifier.
	UploadID string
	// Exists is set when the target already has the whole file.
	Exists bool
	// URLs holds one entry per chunk.
	URLs []UploadURL
	// Uploaded lists the chunks the target already has.
	Uploaded []Part
}

// Target is the destination of an upload.
type Target interface {
	Prepare(ctx context.Context, manifest Manifest) (*Plan, error)
	Complete(ctx context.Context, manifest Manifest, plan *Plan, parts []Part) error
}

// ChunkResult represents the result of uploading a single chunk.
type ChunkResult struct {
	Index int
	ETag  string
	Err   error
}

// UploadResult represents the result of uploading all chunks.
type UploadResult struct {
	FileHash string
	Parts    []Part
	// Skipped counts chunks the target already had.
	Skipped int
	// Instant is set when the target already had the whole file.
	Instant bool
}
