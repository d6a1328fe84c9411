// Package s3target uploads chunked files into an S3 bucket as multipart
// uploads: every chunk goes to a presigned UploadPart URL.
package s3target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numRetries           = 3
	defaultPresignExpiry = 15 * time.Minute
)

// Params ...
type Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storages.
	Endpoint string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// UploadID resumes an earlier multipart upload.
	UploadID      string
	PresignExpiry time.Duration
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type presignAPI interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Target is a chunkuploader.Target backed by S3 multipart uploads.
type Target struct {
	client    s3API
	presigner presignAPI
	params    Params
	retryWait time.Duration
	logger    log.Logger
}

// New creates a Target for params.Bucket.
func New(ctx context.Context, params Params, logger log.Logger) (*Target, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newTarget(client, s3.NewPresignClient(client), params, logger), nil
}

func newTarget(client s3API, presigner presignAPI, params Params, logger log.Logger) *Target {
	if params.PresignExpiry == 0 {
		params.PresignExpiry = defaultPresignExpiry
	}
	return &Target{
		client:    client,
		presigner: presigner,
		params:    params,
		retryWait: 5 * time.Second,
		logger:    logger,
	}
}

// ObjectKey returns the key the file is stored under.
func (t *Target) ObjectKey(fileName, fileHash string) string {
	return path.Join(t.params.KeyPrefix, fileHash, path.Base(fileName))
}

// Prepare implements chunkuploader.Target.
func (t *Target) Prepare(ctx context.Context, manifest chunkuploader.Manifest) (*chunkuploader.Plan, error) {
	key := t.ObjectKey(manifest.FileName, manifest.FileHash)

	exists, err := t.objectExistsWithRetry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("validate object: %w", err)
	}
	if exists {
		t.logger.Debugf("Object %s already exists", key)
		return &chunkuploader.Plan{Exists: true}, nil
	}

	plan := &chunkuploader.Plan{}
	if t.params.UploadID != "" {
		parts, err := t.listParts(ctx, key, t.params.UploadID, manifest)
		switch {
		case err == nil:
			plan.UploadID = t.params.UploadID
			plan.Uploaded = parts
		case isNoSuchUpload(err):
			t.logger.Warnf("Upload %s not found, starting a new upload", t.params.UploadID)
		default:
			return nil, fmt.Errorf("list parts: %w", err)
		}
	}

	if plan.UploadID == "" {
		uploadID, err := t.createMultipartUploadWithRetry(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("create multipart upload: %w", err)
		}
		plan.UploadID = uploadID
	}
	t.logger.Infof("Multipart upload ID: %s", plan.UploadID)

	plan.URLs = make([]chunkuploader.UploadURL, 0, manifest.NumChunks)
	for i := 0; i < manifest.NumChunks; i++ {
		url, err := t.presignPart(ctx, key, plan.UploadID, i)
		if err != nil {
			return nil, fmt.Errorf("presign part %d: %w", i+1, err)
		}
		plan.URLs = append(plan.URLs, url)
	}

	return plan, nil
}

// Complete implements chunkuploader.Target. A failed completion aborts the
// multipart upload.
func (t *Target) Complete(ctx context.Context, manifest chunkuploader.Manifest, plan *chunkuploader.Plan, parts []chunkuploader.Part) error {
	key := t.ObjectKey(manifest.FileName, manifest.FileHash)

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.Index + 1)),
		})
	}

	err := retry.Times(numRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.params.Bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(plan.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), isNoSuchUpload(err)
		}
		return nil, true
	})
	if err != nil {
		if abortErr := t.Abort(ctx, key, plan.UploadID); abortErr != nil {
			t.logger.Warnf("Failed to abort upload %s: %s", plan.UploadID, abortErr)
		}
		return err
	}

	t.logger.Debugf("Object %s completed from %d parts", key, len(parts))
	return nil
}

// Abort discards a multipart upload and its stored parts.
func (t *Target) Abort(ctx context.Context, key, uploadID string) error {
	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.params.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return err
	}
	return nil
}

func (t *Target) objectExistsWithRetry(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.Times(numRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.params.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NotFound:
					return nil, true
				}
			}
			return fmt.Errorf("head object: %w", err), false
		}

		exists = true
		return nil, true
	})

	return exists, err
}

func (t *Target) createMultipartUploadWithRetry(ctx context.Context, key string) (string, error) {
	var uploadID string
	err := retry.Times(numRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(t.params.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err, false
		}
		if resp.UploadId == nil {
			return fmt.Errorf("no upload ID in response"), true
		}

		uploadID = *resp.UploadId
		return nil, true
	})

	return uploadID, err
}

// listParts returns the stored parts that can be reused for manifest. Parts
// whose size differs from the manifest's layout are uploaded again, and
// encoded payloads are never reused since their sizes cannot be checked.
func (t *Target) listParts(ctx context.Context, key, uploadID string, manifest chunkuploader.Manifest) ([]chunkuploader.Part, error) {
	paginator := s3.NewListPartsPaginator(t.client, &s3.ListPartsInput{
		Bucket:   aws.String(t.params.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})

	var parts []chunkuploader.Part
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, part := range page.Parts {
			if part.PartNumber == nil || part.ETag == nil {
				continue
			}
			index := int(*part.PartNumber) - 1
			if manifest.Encoding != "" || index >= manifest.NumChunks ||
				aws.ToInt64(part.Size) != manifest.PartSize(index) {
				t.logger.Debugf("Part %d of upload %s does not match the chunk layout, re-uploading", index+1, uploadID)
				continue
			}
			parts = append(parts, chunkuploader.Part{
				Index: index,
				ETag:  *part.ETag,
			})
		}
	}

	return parts, nil
}

func (t *Target) presignPart(ctx context.Context, key, uploadID string, index int) (chunkuploader.UploadURL, error) {
	req, err := t.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(t.params.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(index + 1)),
	}, s3.WithPresignExpires(t.params.PresignExpiry))
	if err != nil {
		return chunkuploader.UploadURL{}, err
	}

	headers := map[string]string{}
	for k := range req.SignedHeader {
		headers[k] = req.SignedHeader.Get(k)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPut
	}

	return chunkuploader.UploadURL{
		Method:     method,
		URL:        req.URL,
		Headers:    headers,
		ExpectETag: true,
	}, nil
}

func isNoSuchUpload(err error) bool {
	var noSuchUpload *types.NoSuchUpload
	return errors.As(err, &noSuchUpload)
}
