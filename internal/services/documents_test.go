package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

type mockS3Put struct {
	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3Put) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.putObjectFunc(ctx, params, optFns...)
}

type mockSSMDocuments struct {
	createDocumentFunc               func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error)
	updateDocumentFunc               func(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error)
	updateDocumentDefaultVersionFunc func(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error)
}

func (m *mockSSMDocuments) CreateDocument(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
	return m.createDocumentFunc(ctx, params, optFns...)
}

func (m *mockSSMDocuments) UpdateDocument(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error) {
	return m.updateDocumentFunc(ctx, params, optFns...)
}

func (m *mockSSMDocuments) UpdateDocumentDefaultVersion(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error) {
	return m.updateDocumentDefaultVersionFunc(ctx, params, optFns...)
}

type mockSTS struct{}

func (mockSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

func writeAttachment(t *testing.T) string {
	filename := filepath.Join(t.TempDir(), "attachment.zip")
	assert.NoError(t, os.WriteFile(filename, []byte("zip"), 0o644))
	return filename
}

func TestDocumentPublisher_Create(t *testing.T) {
	var uploadedKey, owner string
	s3Client := &mockS3Put{
		putObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			uploadedKey = aws.ToString(params.Key)
			owner = aws.ToString(params.ExpectedBucketOwner)
			data, err := io.ReadAll(params.Body)
			assert.NoError(t, err)
			assert.Equal(t, "zip", string(data))
			return &s3.PutObjectOutput{}, nil
		},
	}
	ssmClient := &mockSSMDocuments{
		createDocumentFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			assert.Equal(t, ssmtypes.DocumentTypeAutomation, params.DocumentType)
			assert.Len(t, params.Attachments, 1)
			assert.Equal(t, "attachment.zip", aws.ToString(params.Attachments[0].Name))
			assert.Equal(t, []string{"https://artifacts.s3.amazonaws.com/docs/Backup/attachment.zip"}, params.Attachments[0].Values)
			return &ssm.CreateDocumentOutput{
				DocumentDescription: &ssmtypes.DocumentDescription{DocumentVersion: aws.String("1")},
			}, nil
		},
	}

	publisher := NewDocumentPublisher(s3Client, ssmClient, mockSTS{})
	output, err := publisher.Publish(testContext(), PublishInput{
		Name:           "Backup",
		Content:        []byte(`{}`),
		AttachmentPath: writeAttachment(t),
		Bucket:         "artifacts",
		Prefix:         "docs",
	})
	assert.NoError(t, err)
	assert.True(t, output.Created)
	assert.Equal(t, "1", output.Version)
	assert.Equal(t, "docs/Backup/attachment.zip", uploadedKey)
	assert.Equal(t, "123456789012", owner)
}

func TestDocumentPublisher_Update(t *testing.T) {
	var defaultVersion string
	ssmClient := &mockSSMDocuments{
		createDocumentFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DocumentAlreadyExists", Message: "exists"}
		},
		updateDocumentFunc: func(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error) {
			assert.Equal(t, "$LATEST", aws.ToString(params.DocumentVersion))
			return &ssm.UpdateDocumentOutput{
				DocumentDescription: &ssmtypes.DocumentDescription{DocumentVersion: aws.String("4")},
			}, nil
		},
		updateDocumentDefaultVersionFunc: func(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error) {
			defaultVersion = aws.ToString(params.DocumentVersion)
			return &ssm.UpdateDocumentDefaultVersionOutput{}, nil
		},
	}

	publisher := NewDocumentPublisher(nil, ssmClient, mockSTS{})
	output, err := publisher.Publish(testContext(), PublishInput{Name: "Backup", Content: []byte(`{}`)})
	assert.NoError(t, err)
	assert.False(t, output.Created)
	assert.Equal(t, "4", output.Version)
	assert.Equal(t, "4", defaultVersion)
}

func TestDocumentPublisher_Unchanged(t *testing.T) {
	ssmClient := &mockSSMDocuments{
		createDocumentFunc: func(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DocumentAlreadyExists"}
		},
		updateDocumentFunc: func(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "DuplicateDocumentContent"}
		},
	}

	publisher := NewDocumentPublisher(nil, ssmClient, mockSTS{})
	output, err := publisher.Publish(testContext(), PublishInput{Name: "Backup", Content: []byte(`{}`)})
	assert.NoError(t, err)
	assert.True(t, output.Unchanged)
}

func TestDocumentPublisher_MissingBucket(t *testing.T) {
	publisher := NewDocumentPublisher(nil, &mockSSMDocuments{}, mockSTS{})
	_, err := publisher.Publish(testContext(), PublishInput{
		Name:           "Backup",
		Content:        []byte(`{}`),
		AttachmentPath: writeAttachment(t),
	})
	assert.Error(t, err)
}
