package services

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/errors"
)

// S3PutAPI is the subset of the S3 client used to upload attachments
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SSMDocumentAPI is the subset of the SSM client used to manage automation documents
type SSMDocumentAPI interface {
	CreateDocument(ctx context.Context, params *ssm.CreateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.CreateDocumentOutput, error)
	UpdateDocument(ctx context.Context, params *ssm.UpdateDocumentInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentOutput, error)
	UpdateDocumentDefaultVersion(ctx context.Context, params *ssm.UpdateDocumentDefaultVersionInput, optFns ...func(*ssm.Options)) (*ssm.UpdateDocumentDefaultVersionOutput, error)
}

// STSAPI is the subset of the STS client used to resolve the caller account
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// DocumentPublisher uploads document attachments to S3 and registers the
// automation document with Systems Manager.
type DocumentPublisher struct {
	s3Client  S3PutAPI
	ssmClient SSMDocumentAPI
	stsClient STSAPI
}

func NewDocumentPublisher(s3Client S3PutAPI, ssmClient SSMDocumentAPI, stsClient STSAPI) *DocumentPublisher {
	return &DocumentPublisher{
		s3Client:  s3Client,
		ssmClient: ssmClient,
		stsClient: stsClient,
	}
}

type PublishInput struct {
	Name           string // Automation document name
	Content        []byte // Document JSON
	AttachmentPath string // Local zip to upload, empty when the document has no attachments
	Bucket         string
	Prefix         string
}

type PublishOutput struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Created       bool   `json:"created"`
	Unchanged     bool   `json:"unchanged"`
}

func (p *DocumentPublisher) Publish(ctx context.Context, input PublishInput) (*PublishOutput, error) {
	logger := zerolog.Ctx(ctx)

	var attachments []ssmtypes.AttachmentsSource
	var attachmentURL string
	if input.AttachmentPath != "" {
		url, err := p.uploadAttachment(ctx, input)
		if err != nil {
			return nil, err
		}
		attachmentURL = url
		attachments = []ssmtypes.AttachmentsSource{
			{
				Key:    ssmtypes.AttachmentsSourceKeyS3FileUrl,
				Name:   aws.String(path.Base(input.AttachmentPath)),
				Values: []string{url},
			},
		}
	}

	created, err := p.ssmClient.CreateDocument(ctx, &ssm.CreateDocumentInput{
		Name:           aws.String(input.Name),
		Content:        aws.String(string(input.Content)),
		DocumentType:   ssmtypes.DocumentTypeAutomation,
		DocumentFormat: ssmtypes.DocumentFormatJson,
		Attachments:    attachments,
	})
	if err == nil {
		version := ""
		if created.DocumentDescription != nil {
			version = aws.ToString(created.DocumentDescription.DocumentVersion)
		}
		logger.Info().Str("document", input.Name).Str("version", version).Msg("Created automation document")
		return &PublishOutput{
			Name:          input.Name,
			Version:       version,
			AttachmentURL: attachmentURL,
			Created:       true,
		}, nil
	}
	if !errors.IsErrorCode(err, "DocumentAlreadyExists") {
		return nil, fmt.Errorf("failed to create document %s: %w", input.Name, err)
	}

	updated, err := p.ssmClient.UpdateDocument(ctx, &ssm.UpdateDocumentInput{
		Name:            aws.String(input.Name),
		Content:         aws.String(string(input.Content)),
		DocumentVersion: aws.String("$LATEST"),
		DocumentFormat:  ssmtypes.DocumentFormatJson,
		Attachments:     attachments,
	})
	if errors.IsErrorCode(err, "DuplicateDocumentContent") {
		logger.Info().Str("document", input.Name).Msg("Automation document is unchanged")
		return &PublishOutput{
			Name:          input.Name,
			AttachmentURL: attachmentURL,
			Unchanged:     true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update document %s: %w", input.Name, err)
	}

	version := ""
	if updated.DocumentDescription != nil {
		version = aws.ToString(updated.DocumentDescription.DocumentVersion)
	}

	_, err = p.ssmClient.UpdateDocumentDefaultVersion(ctx, &ssm.UpdateDocumentDefaultVersionInput{
		Name:            aws.String(input.Name),
		DocumentVersion: aws.String(version),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set default version %s of document %s: %w", version, input.Name, err)
	}

	logger.Info().Str("document", input.Name).Str("version", version).Msg("Updated automation document")

	return &PublishOutput{
		Name:          input.Name,
		Version:       version,
		AttachmentURL: attachmentURL,
	}, nil
}

func (p *DocumentPublisher) uploadAttachment(ctx context.Context, input PublishInput) (string, error) {
	logger := zerolog.Ctx(ctx)

	if input.Bucket == "" {
		return "", fmt.Errorf("an artifact bucket is required to upload %s", input.AttachmentPath)
	}

	identity, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}

	f, err := os.Open(input.AttachmentPath)
	if err != nil {
		return "", fmt.Errorf("failed to open attachment: %w", err)
	}
	defer f.Close()

	key := path.Join(input.Prefix, input.Name, path.Base(input.AttachmentPath))
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:              aws.String(input.Bucket),
		Key:                 aws.String(key),
		Body:                f,
		ExpectedBucketOwner: identity.Account,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment to s3://%s/%s: %w", input.Bucket, key, err)
	}

	logger.Info().
		Str("bucket", input.Bucket).
		Str("key", key).
		Msg("Uploaded document attachment")

	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", input.Bucket, key), nil
}
