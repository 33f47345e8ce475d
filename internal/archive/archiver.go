package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsCreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
	"github.com/qcollector/dynatable/internal"
)

// generateIAMTokenFn is swappable so the password fallback can be tested
// without AWS credentials.
var generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
	return auth.GenerateDbConnectAuthToken(ctx, endpoint, region, creds)
}

// resolvePGPassword returns the database password, replaced with a freshly
// generated IAM connect token when IAM auth is enabled. Token generation
// failures fall back to the configured password.
func resolvePGPassword(ctx context.Context, db dynatable.DatabaseConfig, useIAM bool, region string, creds aws.CredentialsProvider, logger *zap.Logger) string {
	if !useIAM {
		return db.Password
	}
	endpoint := fmt.Sprintf("%s:%d", db.Host, db.Port)
	token, err := generateIAMTokenFn(ctx, endpoint, region, creds)
	if err == nil && token != "" {
		logger.Sugar().Infow("generated IAM auth token for postgres connection")
		return token
	}
	logger.Sugar().Warnw("IAM token generation failed, falling back to configured password", "err", err)
	return db.Password
}

// Archiver uploads column backups to S3 on a fixed interval so the backup
// table stays small while refs remain resolvable long after the rows that
// produced them are gone.
type Archiver struct {
	pool     *pgxpool.Pool
	store    *internal.BackupStore
	client   *s3.Client
	uploader *manager.Uploader
	cfg      dynatable.ArchiveConfig
	batch    int
	logger   *zap.Logger
}

// NewArchiver builds the S3 client from the default AWS config chain, with
// env credentials and the configured endpoint taking precedence, and verifies
// the bucket exists (creating it against non-AWS endpoints like MinIO).
func NewArchiver(ctx context.Context, cfg *dynatable.Config, pool *pgxpool.Pool, logger *zap.Logger) (*Archiver, error) {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("archive bucket cannot be empty")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Archive.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Archive.Region))
	}
	if envKey := os.Getenv("AWS_ACCESS_KEY_ID"); envKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awsCreds.NewStaticCredentialsProvider(envKey, os.Getenv("AWS_SECRET_ACCESS_KEY"), "")))
	}
	if cfg.Archive.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(cfg.Archive.Endpoint))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Archive.Bucket)}); err != nil {
		if _, cerr := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Archive.Bucket)}); cerr != nil {
			var apiErr smithy.APIError
			if errors.As(cerr, &apiErr) {
				code := apiErr.ErrorCode()
				if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
					return nil, fmt.Errorf("create bucket: %w", cerr)
				}
			} else {
				return nil, fmt.Errorf("create bucket: %w", cerr)
			}
		}
	}

	return &Archiver{
		pool:     pool,
		store:    internal.NewBackupStore(cfg.Database.TableNames.FieldDataBackups),
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg.Archive,
		batch:    100,
		logger:   logger,
	}, nil
}

// objectKey places a backup under <prefix>/backups/<table>/<column>/<ref>.json.
func (a *Archiver) objectKey(b dynatable.ColumnBackup) string {
	return fmt.Sprintf("%s/backups/%s/%s/%s.json",
		strings.TrimSuffix(a.cfg.Prefix, "/"), b.TableName, b.ColumnName, b.Ref)
}

// RunOnce uploads one batch of pending backups and stamps each with its
// object key. A failed upload is logged and retried on the next pass; it does
// not block the rest of the batch.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	pending, err := a.store.PendingArchive(ctx, a.pool, a.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending backups: %w", err)
	}
	archived := 0
	for _, b := range pending {
		key := a.objectKey(b)
		_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(b.Payload),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			a.logger.Error("backup upload failed",
				zap.String("ref", b.Ref),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if err := a.store.MarkArchived(ctx, a.pool, b.Ref, key); err != nil {
			a.logger.Error("mark archived failed", zap.String("ref", b.Ref), zap.Error(err))
			continue
		}
		archived++
	}
	if archived > 0 {
		a.logger.Info("backups archived", zap.Int("count", archived))
	}
	return archived, nil
}

// Run archives pending backups on the configured interval until the context
// is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive pass failed", zap.Error(err))
			}
		}
	}
}
