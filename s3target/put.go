package s3target

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/retry"
)

const partSizeMB = 10

// PutSmall uploads a file that fits into a single chunk as one object. body
// is read again from the start on every attempt.
func (t *Target) PutSmall(ctx context.Context, fileName, fileHash string, body io.ReadSeeker, size int64) error {
	key := t.ObjectKey(fileName, fileHash)

	exists, err := t.objectExistsWithRetry(ctx, key)
	if err != nil {
		return fmt.Errorf("validate object: %w", err)
	}
	if exists {
		t.logger.Debugf("Object %s already exists", key)
		return nil
	}

	uploader := manager.NewUploader(t.client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
	})

	return retry.Times(numRetries).Wait(t.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind body: %w", err), true
		}

		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          body,
			Bucket:        aws.String(t.params.Bucket),
			Key:           aws.String(key),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return fmt.Errorf("put object: %w", err), false
		}

		return nil, true
	})
}
