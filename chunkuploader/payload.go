package chunkuploader

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ChunkName returns the name a chunk is stored under:
// "<fileHash>-<chunkSize>-<index>". Chunks cut at a different size never share a name.
func ChunkName(fileHash string, chunkSize int64, index int) string {
	return ChunkPrefix(fileHash, chunkSize) + strconv.Itoa(index)
}

// ChunkPrefix is the common prefix of every chunk name of one file layout.
func ChunkPrefix(fileHash string, chunkSize int64) string {
	return fmt.Sprintf("%s-%d-", fileHash, chunkSize)
}

const encodingZstd = "zstd"

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
)

// compress zstd-encodes a chunk. The encoder is shared; EncodeAll is safe for
// concurrent use.
func compress(data []byte) ([]byte, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if encoderErr != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", encoderErr)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// buildForm wraps data into a multipart form body.
func buildForm(fields map[string]string, fileField, fileName string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", k, err)
		}
	}

	if fileField == "" {
		fileField = "chunk"
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
