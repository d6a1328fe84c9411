// Package network implements the chunk upload API: a Target that verifies,
// uploads and merges chunked files, and a parallel ranged downloader.
package network

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// TargetParams ...
type TargetParams struct {
	APIBaseURL string
	Token      string
}

// Target uploads chunks to the upload API.
type Target struct {
	httpClient *retryablehttp.Client
	api        apiClient
	logger     log.Logger
}

// NewTarget returns a Target talking to the API at params.APIBaseURL.
func NewTarget(params TargetParams, logger log.Logger) (*Target, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}

	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	baseURL := strings.TrimSuffix(params.APIBaseURL, "/")

	return &Target{
		httpClient: client,
		api:        newAPIClient(client, baseURL, params.Token, logger),
		logger:     logger,
	}, nil
}

// Verify asks the server whether fileName with fileHash needs to be uploaded.
func (t *Target) Verify(ctx context.Context, fileName, fileHash string) (VerifyResponse, error) {
	return t.api.verify(ctx, verifyRequest{FileName: fileName, FileHash: fileHash})
}

// Merge asks the server to concatenate the uploaded chunks of fileHash.
func (t *Target) Merge(ctx context.Context, fileName, fileHash string, chunkSize int64) error {
	return t.api.merge(ctx, mergeRequest{FileName: fileName, FileHash: fileHash, Size: chunkSize})
}

// Prepare implements chunkuploader.Target.
func (t *Target) Prepare(ctx context.Context, manifest chunkuploader.Manifest) (*chunkuploader.Plan, error) {
	resp, err := t.Verify(ctx, manifest.FileName, manifest.FileHash)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	if !resp.ShouldUpload {
		return &chunkuploader.Plan{Exists: true}, nil
	}

	plan := &chunkuploader.Plan{
		URLs:     make([]chunkuploader.UploadURL, 0, manifest.NumChunks),
		Uploaded: t.uploadedParts(manifest, resp.UploadedList),
	}

	headers := t.api.authHeaders()
	for i := 0; i < manifest.NumChunks; i++ {
		plan.URLs = append(plan.URLs, chunkuploader.UploadURL{
			Method:  http.MethodPost,
			URL:     fmt.Sprintf("%s/upload", t.api.baseURL),
			Headers: headers,
			FormFields: map[string]string{
				"hash":     manifest.ChunkName(i),
				"filename": manifest.FileName,
				"fileHash": manifest.FileHash,
			},
			FormFile: "chunk",
		})
	}

	return plan, nil
}

// Complete implements chunkuploader.Target.
func (t *Target) Complete(ctx context.Context, manifest chunkuploader.Manifest, _ *chunkuploader.Plan, _ []chunkuploader.Part) error {
	if err := t.Merge(ctx, manifest.FileName, manifest.FileHash, manifest.ChunkSize); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

// uploadedParts keeps the listed chunks that belong to the manifest's layout.
// Chunks cut at another chunk size are re-uploaded under their own names.
func (t *Target) uploadedParts(manifest chunkuploader.Manifest, names []string) []chunkuploader.Part {
	prefix := chunkuploader.ChunkPrefix(manifest.FileHash, manifest.ChunkSize)

	var parts []chunkuploader.Part
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			t.logger.Debugf("Ignoring chunk of another layout: %s", name)
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || index < 0 || index >= manifest.NumChunks {
			t.logger.Debugf("Ignoring invalid chunk name: %s", name)
			continue
		}
		parts = append(parts, chunkuploader.Part{Index: index})
	}
	return parts
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}
