package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/hashengine"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrPaused is returned by Upload when Pause interrupted it.
var ErrPaused = errors.New("upload paused")

// Uploader handles parallel chunk uploads with retry and hung detection.
type Uploader struct {
	config   Config
	client   *transfer.Client
	engine   *hashengine.Engine
	registry *transfer.Registry
	logger   log.Logger
	stats    *Stats

	mu     sync.Mutex
	stop   context.CancelFunc
	paused bool
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) (*Uploader, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine, err := hashengine.New(hashengine.Config{Algorithm: config.HashAlgorithm}, logger)
	if err != nil {
		return nil, err
	}

	return &Uploader{
		config:   config,
		client:   transfer.NewClient(config.HTTPClient, logger),
		engine:   engine,
		registry: transfer.NewRegistry(),
		logger:   logger,
		stats:    NewStats(),
	}, nil
}

// Registry returns the registry holding the uploader's in-flight transfers.
func (u *Uploader) Registry() *transfer.Registry {
	return u.registry
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.client.CloseIdleConnections()
}

// Pause aborts every in-flight transfer and makes the running Upload return
// ErrPaused. Calling Upload again resumes with the chunks the target is missing.
func (u *Uploader) Pause() {
	u.mu.Lock()
	stop := u.stop
	if stop != nil {
		u.paused = true
	}
	u.mu.Unlock()

	if stop != nil {
		stop()
	}
	if n := u.registry.CancelAll(); n > 0 {
		u.logger.Warnf("Paused: cancelled %d in-flight chunk transfers", n)
	}
}

// Hash computes the fingerprint of the provider's content.
func (u *Uploader) Hash(ctx context.Context, provider ChunkProvider) (string, error) {
	session := u.engine.Start(ctx, provider)
	for p := range session.Progress() {
		if p.Done {
			u.logger.Donef("Fingerprint (%s): %s", u.engine.Algorithm(), p.Digest)
			continue
		}
		u.logger.Debugf("Hashing: %.1f%%", p.Percentage)
	}
	return session.Wait()
}

// Upload hashes the file, asks the target which chunks it is missing, sends
// those in parallel and completes the upload.
func (u *Uploader) Upload(ctx context.Context, fileName string, provider ChunkProvider, target Target) (*UploadResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	u.mu.Lock()
	if u.stop != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("an upload is already running")
	}
	u.stop = stop
	u.paused = false
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.stop = nil
		u.mu.Unlock()
	}()

	result, err := u.upload(runCtx, fileName, provider, target)
	if err != nil {
		u.registry.CancelAll()
		if u.isPaused() {
			return nil, ErrPaused
		}
		return nil, err
	}
	return result, nil
}

func (u *Uploader) isPaused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

func (u *Uploader) upload(ctx context.Context, fileName string, provider ChunkProvider, target Target) (*UploadResult, error) {
	numChunks := provider.NumChunks()
	if numChunks == 0 {
		return nil, fmt.Errorf("provider has no chunks")
	}

	u.logger.TDebugf("Hashing %d chunks", numChunks)
	fileHash, err := u.Hash(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("hash file: %w", err)
	}

	manifest := Manifest{
		FileName:  fileName,
		FileHash:  fileHash,
		FileSize:  totalSize(provider),
		ChunkSize: provider.ChunkSize(0),
		NumChunks: numChunks,
	}
	if u.config.Compress {
		manifest.Encoding = encodingZstd
	}
	u.logger.Printf("File: %s, size: %s, chunks: %d x %s", manifest.FileName,
		units.HumanSizeWithPrecision(float64(manifest.FileSize), 3), numChunks,
		units.HumanSizeWithPrecision(float64(manifest.ChunkSize), 3))

	plan, err := target.Prepare(ctx, manifest)
	if err != nil {
		return nil, fmt.Errorf("prepare upload: %w", err)
	}
	if plan.Exists {
		u.logger.Donef("File already uploaded, skipping transfer")
		return &UploadResult{FileHash: fileHash, Instant: true}, nil
	}
	if len(plan.URLs) != numChunks {
		return nil, fmt.Errorf("chunk count mismatch: provider has %d chunks, but %d URLs provided", numChunks, len(plan.URLs))
	}

	parts, err := u.uploadChunks(ctx, manifest, provider, plan)
	if err != nil {
		return nil, err
	}

	u.logger.TDebugf("All chunks uploaded, completing")
	if err := target.Complete(ctx, manifest, plan, parts); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	return &UploadResult{
		FileHash: fileHash,
		Parts:    parts,
		Skipped:  len(plan.Uploaded),
	}, nil
}

func (u *Uploader) uploadChunks(ctx context.Context, manifest Manifest, provider ChunkProvider, plan *Plan) ([]Part, error) {
	done := map[int]Part{}
	for _, part := range plan.Uploaded {
		if part.Index >= 0 && part.Index < manifest.NumChunks {
			done[part.Index] = part
		}
	}

	var pending []int
	for i := 0; i < manifest.NumChunks; i++ {
		if _, ok := done[i]; !ok {
			pending = append(pending, i)
		}
	}
	if len(done) > 0 {
		u.logger.Infof("Resuming: %d of %d chunks already uploaded", len(done), manifest.NumChunks)
	}

	resultChan := make(chan ChunkResult, len(pending))
	semaphore := make(chan struct{}, u.config.Concurrency)

	// Workers are drained before returning so no transfer outlives the call
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for _, index := range pending {
		wg.Add(1)
		go func(index int, url UploadURL) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				resultChan <- ChunkResult{Index: index, Err: ctx.Err()}
				return
			}
			defer func() { <-semaphore }()

			etag, err := u.uploadChunkWithRetry(ctx, manifest, provider, url, index)
			resultChan <- ChunkResult{Index: index, ETag: etag, Err: err}
		}(index, plan.URLs[index])
	}

	for completed := 0; completed < len(pending); completed++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upload cancelled while waiting for chunks: %w", ctx.Err())
		case result := <-resultChan:
			if result.Err != nil {
				return nil, fmt.Errorf("chunk %d failed: %w", result.Index+1, result.Err)
			}
			done[result.Index] = Part{Index: result.Index, ETag: result.ETag}
			u.logger.Printf("Uploaded %d/%d chunks", len(done), manifest.NumChunks)
		}
	}

	parts := make([]Part, 0, len(done))
	for _, part := range done {
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

	return parts, nil
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, manifest Manifest, provider ChunkProvider, url UploadURL, index int) (string, error) {
	data, err := readChunk(provider, index)
	if err != nil {
		return "", err
	}

	var uploadErr error
	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("chunk %d upload cancelled: %w", index+1, err)
		}

		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, manifest.NumChunks, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		var etag string
		var hung bool
		etag, hung, uploadErr = u.uploadChunk(chunkCtx, cancelChunk, manifest, url, data, index, attempt, start)
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, int64(len(data)))
			u.logger.Debugf("Chunk %d uploaded in %v, ETag: %s", index+1, took.Round(time.Millisecond), etag)
			return etag, nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		}

		if attempt == u.config.MaxRetryPerChunk-1 {
			break
		}

		u.stats.Retried()
		backoff := time.Duration(attempt+1) * u.config.RetryBackoff
		if hung {
			u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
		} else {
			u.logger.Warnf("Chunk %d attempt %d failed: %v", index+1, attempt+1, uploadErr)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return "", fmt.Errorf("upload chunk %d after %d attempts: %w", index+1, u.config.MaxRetryPerChunk, uploadErr)
}

func (u *Uploader) uploadChunk(
	ctx context.Context,
	cancel context.CancelFunc,
	manifest Manifest,
	url UploadURL,
	data []byte,
	index, attempt int,
	start time.Time,
) (etag string, hung bool, err error) {
	params, err := u.transferParams(manifest, url, data, index)
	if err != nil {
		return "", false, err
	}

	t, err := u.client.Start(ctx, params)
	if err != nil {
		return "", false, fmt.Errorf("start transfer: %w", err)
	}

	hungCh := make(chan struct{})
	// Hung detection is skipped on the last attempt
	if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
		go u.detectHungUpload(ctx, cancel, t, start, index, hungCh)
	}

	resp, err := t.Wait(ctx)
	if err != nil {
		select {
		case <-hungCh:
			return "", true, fmt.Errorf("chunk %d transfer hung: %w", index+1, err)
		default:
		}
		return "", false, err
	}

	if !resp.OK() {
		body := resp.Data
		if len(body) > 1024 {
			body = body[:1024]
		}
		return "", false, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	etag = resp.Header.Get("ETag")
	if etag == "" && url.ExpectETag {
		return "", false, fmt.Errorf("no ETag in response")
	}

	return etag, false, nil
}

func (u *Uploader) transferParams(manifest Manifest, url UploadURL, data []byte, index int) (transfer.Params, error) {
	headers := map[string]string{}
	for k, v := range url.Headers {
		headers[k] = v
	}

	payload := data
	encoding := manifest.Encoding
	if encoding != "" {
		compressed, err := compress(data)
		if err != nil {
			return transfer.Params{}, err
		}
		payload = compressed
	}

	if url.FormFields != nil {
		fields := map[string]string{}
		for k, v := range url.FormFields {
			fields[k] = v
		}
		if encoding != "" {
			fields["encoding"] = encoding
		}

		body, contentType, err := buildForm(fields, url.FormFile, manifest.ChunkName(index), payload)
		if err != nil {
			return transfer.Params{}, err
		}
		payload = body
		headers["Content-Type"] = contentType
	} else if encoding != "" {
		headers["Content-Encoding"] = encoding
	}

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	return transfer.Params{
		URL:      url.URL,
		Method:   method,
		Payload:  payload,
		Headers:  headers,
		Registry: u.registry,
	}, nil
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, t *transfer.Transfer, start time.Time, index int, hungCh chan<- struct{}) {
	ticker := time.NewTicker(u.hungCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := u.stats.Average()
			if elapsed-avg > u.config.HungThreshold {
				u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					index+1, elapsed.Round(time.Second), avg.Round(time.Second))
				close(hungCh)
				u.registry.Cancel(t)
				cancel()
				return
			}
		}
	}
}

func (u *Uploader) hungCheckInterval() time.Duration {
	interval := time.Second
	if u.config.HungThreshold < interval {
		interval = u.config.HungThreshold / 2
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}
