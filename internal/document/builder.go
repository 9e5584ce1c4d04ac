package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/errors"
	"github.com/savaki/outposts-backup/internal/policy"
)

// Source tree layout, relative to the project root
const (
	DocumentsDir      = "Documents"
	ScriptsDir        = "Documents/Scripts"
	TemplatesDir      = "Documents/CloudFormationTemplates"
	AttachmentsDir    = "Documents/Attachments"
	OutputAttachments = "Output/Attachments"
)

// TemplateValidator validates CloudFormation templates remotely
type TemplateValidator interface {
	ValidateTemplate(ctx context.Context, params *cloudformation.ValidateTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error)
}

// TemplatePolicy checks CloudFormation templates against local rules
type TemplatePolicy interface {
	ValidateTemplate(ctx context.Context, template []byte) (*policy.ValidationResult, error)
}

// Insert names a file to embed into a step
type Insert struct {
	Step string
	File string
}

// TemplateURL points a createStack step at a template hosted in S3
type TemplateURL struct {
	Step string
	URL  string
}

// Recipe lists the fragments stitched into a document
type Recipe struct {
	CloudFormation  []Insert      // Documents/CloudFormationTemplates -> inputs.TemplateBody
	TemplateURLs    []TemplateURL // inputs.TemplateURL
	Commands        []Insert      // Documents/Scripts -> inputs.Parameters.commands, one entry per line
	CommandsText    []Insert      // Documents/Scripts -> inputs.Parameters.commands, as one string
	ExecuteScripts  []Insert      // Documents/Scripts -> inputs.Script
	AttachmentSteps []string      // steps whose inputs.Attachment is pointed at AttachmentName
	AttachmentName  string
}

// DefaultRecipe builds the Outposts server backup document
var DefaultRecipe = Recipe{
	CloudFormation: []Insert{
		{Step: "stageCreateHelperInstanceAutomation", File: "stageCreateHelperInstanceAutomation.yaml"},
	},
	Commands: []Insert{
		{Step: "checkOSRequirements", File: "checkOSRequirements.sh"},
		{Step: "replicatePartitionAndRsync", File: "replicatePartitionAndRsync.sh"},
	},
	AttachmentName: "attachment.zip",
}

type Builder struct {
	root      string
	validator TemplateValidator
	policy    TemplatePolicy
}

// NewBuilder creates a builder for the project at root. validator and policy
// may be nil to skip the corresponding template checks.
func NewBuilder(root string, validator TemplateValidator, templatePolicy TemplatePolicy) *Builder {
	return &Builder{
		root:      root,
		validator: validator,
		policy:    templatePolicy,
	}
}

// Result of a build
type Result struct {
	Document       *Document
	AttachmentPath string // empty when there were no attachments
	Checksum       string
}

// Build loads Documents/<name> and applies recipe to it
func (b *Builder) Build(ctx context.Context, name string, recipe Recipe) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	doc, err := Load(filepath.Join(b.root, DocumentsDir, filepath.Clean(name)))
	if err != nil {
		return nil, err
	}

	for _, insert := range recipe.CloudFormation {
		template, err := b.read(TemplatesDir, insert.File)
		if err != nil {
			return nil, err
		}
		if err := doc.InsertCloudFormation(insert.Step, template); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", insert.File, err)
		}
		if err := b.checkPolicy(ctx, insert.File, template); err != nil {
			return nil, err
		}
		if err := b.validate(ctx, insert.File, template); err != nil {
			return nil, err
		}
	}

	for _, templateURL := range recipe.TemplateURLs {
		if err := doc.InsertTemplateURL(templateURL.Step, templateURL.URL); err != nil {
			return nil, fmt.Errorf("failed to set template url of %s: %w", templateURL.Step, err)
		}
	}

	for _, insert := range recipe.Commands {
		script, err := b.read(ScriptsDir, insert.File)
		if err != nil {
			return nil, err
		}
		if err := doc.InsertCommands(insert.Step, script); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", insert.File, err)
		}
	}

	for _, insert := range recipe.CommandsText {
		script, err := b.read(ScriptsDir, insert.File)
		if err != nil {
			return nil, err
		}
		if err := doc.InsertCommandsText(insert.Step, script); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", insert.File, err)
		}
	}

	for _, insert := range recipe.ExecuteScripts {
		script, err := b.read(ScriptsDir, insert.File)
		if err != nil {
			return nil, err
		}
		if err := doc.InsertExecuteScript(insert.Step, script); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", insert.File, err)
		}
	}

	result := &Result{Document: doc}
	if recipe.AttachmentName == "" {
		return result, nil
	}

	for _, step := range recipe.AttachmentSteps {
		if err := doc.InsertAttachment(step, recipe.AttachmentName); err != nil {
			return nil, err
		}
	}

	dstPath := filepath.Join(b.root, OutputAttachments, recipe.AttachmentName)
	checksum, ok, err := ZipDir(filepath.Join(b.root, AttachmentsDir), dstPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Info().Msg("No attachments to package")
		return result, nil
	}

	doc.SetChecksum(recipe.AttachmentName, checksum)
	result.AttachmentPath = dstPath
	result.Checksum = checksum

	if info, err := os.Stat(dstPath); err == nil {
		logger.Info().
			Str("path", dstPath).
			Str("size", humanize.Bytes(uint64(info.Size()))).
			Str("sha256", checksum).
			Msg("Packaged attachments")
	}

	return result, nil
}

func (b *Builder) read(dir, file string) ([]byte, error) {
	path := filepath.Join(b.root, dir, filepath.Clean(file))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (b *Builder) checkPolicy(ctx context.Context, file string, template []byte) error {
	if b.policy == nil {
		return nil
	}

	result, err := b.policy.ValidateTemplate(ctx, template)
	if err != nil {
		return fmt.Errorf("policy validation error: %w", err)
	}
	if !result.Allowed {
		violations := strings.Join(result.Violations, "; ")
		zerolog.Ctx(ctx).Error().
			Str("template", file).
			Str("violations", violations).
			Msg("CloudFormation template policy validation failed")
		return fmt.Errorf("%w: %s: policy violations: %s", errors.ErrInvalidTemplate, file, violations)
	}
	return nil
}

func (b *Builder) validate(ctx context.Context, file string, template []byte) error {
	if b.validator == nil {
		return nil
	}

	_, err := b.validator.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
		TemplateBody: aws.String(string(template)),
	})
	if err != nil {
		if code, message, ok := errors.APIErrorDetail(err); ok {
			return fmt.Errorf("%w: %s: %s:%s", errors.ErrInvalidTemplate, file, code, message)
		}
		return fmt.Errorf("failed to validate %s: %w", file, err)
	}

	zerolog.Ctx(ctx).Info().Str("template", file).Msg("CloudFormation template validated successfully")
	return nil
}
