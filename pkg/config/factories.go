package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	contentfs "github.com/tarnfs/tarnfs/pkg/store/content/fs"
	contentmem "github.com/tarnfs/tarnfs/pkg/store/content/memory"
	contents3 "github.com/tarnfs/tarnfs/pkg/store/content/s3"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
	metasqlite "github.com/tarnfs/tarnfs/pkg/store/metadata/sqlite"
)

// CreateMetadataStore constructs the metadata store selected by
// cfg.Metadata.Type from its typed section.
func CreateMetadataStore(cfg *Config) (metadata.Store, error) {
	switch cfg.Metadata.Type {
	case "sqlite":
		var storeCfg struct {
			Path     string `mapstructure:"path"`
			PoolSize int    `mapstructure:"pool_size"`
		}
		if err := mapstructure.Decode(cfg.Metadata.SQLite, &storeCfg); err != nil {
			return nil, fmt.Errorf("decoding sqlite metadata config: %w", err)
		}

		store, err := metasqlite.NewMetadataStore(metasqlite.Config{
			Path:     storeCfg.Path,
			PoolSize: storeCfg.PoolSize,
		})
		if err != nil {
			return nil, err
		}

		logger.Info("sqlite metadata store initialized: path=%s", storeCfg.Path)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown metadata store type: %s", cfg.Metadata.Type)
	}
}

// CreateContentStore constructs the content store selected by
// cfg.Content.Type from its typed section.
func CreateContentStore(ctx context.Context, cfg *Config) (content.Store, error) {
	switch cfg.Content.Type {
	case "filesystem":
		var storeCfg struct {
			Path string `mapstructure:"path"`
		}
		if err := mapstructure.Decode(cfg.Content.Filesystem, &storeCfg); err != nil {
			return nil, fmt.Errorf("decoding filesystem content config: %w", err)
		}

		store, err := contentfs.NewContentStore(storeCfg.Path)
		if err != nil {
			return nil, err
		}

		logger.Info("filesystem content store initialized: path=%s", storeCfg.Path)
		return store, nil

	case "memory":
		logger.Info("memory content store initialized")
		return contentmem.NewContentStore(), nil

	case "s3":
		return createS3ContentStore(ctx, cfg.Content.S3)

	default:
		return nil, fmt.Errorf("unknown content store type: %s", cfg.Content.Type)
	}
}

// createS3ContentStore builds the AWS client and the S3 content store
// from the s3 section. A custom endpoint switches on path-style
// addressing for MinIO and Localstack compatibility.
func createS3ContentStore(ctx context.Context, options map[string]any) (content.Store, error) {
	var storeCfg struct {
		Bucket          string `mapstructure:"bucket"`
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		PartSize        int64  `mapstructure:"part_size"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("decoding s3 content config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("s3 content store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("s3 content store: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				storeCfg.AccessKeyID, storeCfg.SecretAccessKey, "")))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	store, err := contents3.NewContentStore(contents3.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
		PartSize:  storeCfg.PartSize,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("s3 content store initialized: bucket=%s region=%s prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)
	return store, nil
}
