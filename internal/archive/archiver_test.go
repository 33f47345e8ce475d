package archive

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

func TestIAMTokenFallbackUsesConfiguredPassword(t *testing.T) {
	orig := generateIAMTokenFn
	defer func() { generateIAMTokenFn = orig }()
	generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
		return "", nil
	}

	db := dynatable.DatabaseConfig{Host: "localhost", Port: 5432, Username: "app", Password: "configured"}
	got := resolvePGPassword(context.Background(), db, true, "us-east-1", nil, zap.NewNop())

	assert.Equal(t, "configured", got)
}

func TestIAMTokenFallbackOnError(t *testing.T) {
	orig := generateIAMTokenFn
	defer func() { generateIAMTokenFn = orig }()
	generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
		return "", fmt.Errorf("no credentials")
	}

	db := dynatable.DatabaseConfig{Host: "db.internal", Port: 5432, Username: "app", Password: "configured"}
	got := resolvePGPassword(context.Background(), db, true, "us-east-1", nil, zap.NewNop())

	assert.Equal(t, "configured", got)
}

func TestIAMTokenUsedWhenGenerated(t *testing.T) {
	orig := generateIAMTokenFn
	defer func() { generateIAMTokenFn = orig }()
	var gotEndpoint string
	generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
		gotEndpoint = endpoint
		return "iam-token", nil
	}

	db := dynatable.DatabaseConfig{Host: "db.internal", Port: 5432, Username: "app", Password: "configured"}
	got := resolvePGPassword(context.Background(), db, true, "us-east-1", nil, zap.NewNop())

	assert.Equal(t, "iam-token", got)
	assert.Equal(t, "db.internal:5432", gotEndpoint)
}

func TestIAMDisabledSkipsTokenGeneration(t *testing.T) {
	orig := generateIAMTokenFn
	defer func() { generateIAMTokenFn = orig }()
	called := false
	generateIAMTokenFn = func(ctx context.Context, endpoint, region string, creds aws.CredentialsProvider) (string, error) {
		called = true
		return "iam-token", nil
	}

	db := dynatable.DatabaseConfig{Host: "localhost", Port: 5432, Password: "configured"}
	got := resolvePGPassword(context.Background(), db, false, "us-east-1", nil, zap.NewNop())

	assert.Equal(t, "configured", got)
	assert.False(t, called)
}

func TestObjectKeyLayout(t *testing.T) {
	a := &Archiver{cfg: dynatable.ArchiveConfig{Prefix: "dynatable/"}}
	b := dynatable.ColumnBackup{
		Ref:        "bk_abc123",
		TableName:  "questionnaire",
		ColumnName: "full_name",
	}

	assert.Equal(t, "dynatable/backups/questionnaire/full_name/bk_abc123.json", a.objectKey(b))
}
