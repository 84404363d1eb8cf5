package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"catalyst-go/internal/catalyst"
)

// s3DeleteBatch is the most keys DeleteObjects accepts per call.
const s3DeleteBatch = 1000

// S3Client is the subset of *s3.Client used by S3Store.
type S3Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store keeps content as objects under <prefix><hash> in one bucket.
type S3Store struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ catalyst.ContentStore = (*S3Store)(nil)

func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (s *S3Store) key(hash string) *string {
	return aws.String(s.prefix + hash)
}

func (s *S3Store) Store(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash("store", hash); err != nil {
		return err
	}
	exists, err := s.exists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		if err := discardExactly(r, size); err != nil {
			return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
		}
		return nil
	}

	// The body is capped one byte past size so oversize input is detected
	// without uploading all of it.
	body := &countingReader{r: io.LimitReader(r, size+1)}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(hash),
		Body:   body,
	})
	if err != nil {
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}
	if err := checkSize(size, body.n); err != nil {
		if derr := s.Delete(ctx, []string{hash}); derr != nil {
			err = errors.Join(err, derr)
		}
		return &catalyst.StorageError{Op: "store", Hash: hash, Err: err}
	}
	return nil
}

func (s *S3Store) Retrieve(ctx context.Context, hash string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(hash),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", catalyst.ErrContentNotFound, hash)
	}
	if err != nil {
		return nil, &catalyst.StorageError{Op: "retrieve", Hash: hash, Err: err}
	}
	return out.Body, nil
}

func (s *S3Store) Exists(ctx context.Context, hashes ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		ok, err := s.exists(ctx, h)
		if err != nil {
			return nil, err
		}
		out[h] = ok
	}
	return out, nil
}

func (s *S3Store) exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(hash),
	})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, &catalyst.StorageError{Op: "exists", Hash: hash, Err: err}
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, hashes []string) error {
	var errs []error
	for start := 0; start < len(hashes); start += s3DeleteBatch {
		batch := hashes[start:min(start+s3DeleteBatch, len(hashes))]
		objects := make([]types.ObjectIdentifier, len(batch))
		for i, h := range batch {
			objects[i] = types.ObjectIdentifier{Key: s.key(h)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			for _, h := range batch {
				errs = append(errs, &catalyst.StorageError{Op: "delete", Hash: h, Err: err})
			}
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, &catalyst.StorageError{
				Op:   "delete",
				Hash: strings.TrimPrefix(aws.ToString(e.Key), s.prefix),
				Err:  fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message)),
			})
		}
	}
	return errors.Join(errs...)
}

func (s *S3Store) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield("", &catalyst.StorageError{Op: "list", Err: err})
				return
			}
			for _, obj := range page.Contents {
				hash := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
				if !catalyst.ValidHash(hash) {
					continue
				}
				if !yield(hash, nil) {
					return
				}
			}
		}
	}
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
