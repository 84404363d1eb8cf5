package contentstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/config"
	"catalyst-go/internal/encryption"
)

// NewContentStoreFromConfig creates the configured backend. When the config
// asks for encryption the backend is wrapped with cipher, which must then be
// non-nil.
func NewContentStoreFromConfig(ctx context.Context, cfg config.StorageConfig, cipher encryption.Cipher) (catalyst.ContentStore, error) {
	var (
		store catalyst.ContentStore
		err   error
	)
	switch cfg.Type {
	case "memory":
		store = NewMemoryStore()
	case "filesystem":
		if cfg.Root == "" {
			return nil, errors.New("filesystem storage requires root to be set")
		}
		store, err = NewFileSystemStore(cfg.Root)
	case "s3":
		store, err = newS3StoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Encrypted {
		return store, nil
	}
	if cipher == nil {
		return nil, errors.New("encrypted storage requires an unlocked key")
	}
	return NewEncryptedStore(store, cipher), nil
}

func newS3StoreFromConfig(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 storage requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})
	return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix), nil
}
