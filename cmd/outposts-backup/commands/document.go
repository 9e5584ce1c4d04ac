package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/di"
	"github.com/savaki/outposts-backup/internal/document"
	"github.com/savaki/outposts-backup/internal/policy"
	"github.com/savaki/outposts-backup/internal/services"
	"github.com/urfave/cli/v2"
)

var (
	envFlag = &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Environment (dev, stg, or prd) - selects the parameter store path",
		EnvVars: []string{"ENV"},
		Value:   "dev",
	}
	regionFlag = &cli.StringFlag{
		Name:    "region",
		Usage:   "AWS region",
		EnvVars: []string{"AWS_REGION"},
	}
	rootFlag = &cli.StringFlag{
		Name:    "root",
		Usage:   "Project root containing Documents/ and Output/",
		EnvVars: []string{"PROJECT_ROOT"},
		Value:   ".",
	}
	validateFlag = &cli.BoolFlag{
		Name:  "validate",
		Usage: "Validate CloudFormation templates with the CloudFormation API",
	}
	skipPolicyFlag = &cli.BoolFlag{
		Name:  "skip-policy",
		Usage: "Skip the local policy check of CloudFormation templates",
	}
	templateURLFlag = &cli.StringSliceFlag{
		Name:  "template-url",
		Usage: "STEP=URL; reference a hosted CloudFormation template instead of embedding one",
	}
	documentFlag = &cli.StringFlag{
		Name:     "document-name",
		Aliases:  []string{"d"},
		Usage:    "Automation document file under Documents/",
		EnvVars:  []string{"DOCUMENT_FILE"},
		Required: true,
	}
)

// DocumentCommand returns the document command for building and publishing
// the automation document
func DocumentCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "document",
		Aliases: []string{"doc"},
		Usage:   "Build and publish the automation document",
		Subcommands: []*cli.Command{
			{
				Name:  "build",
				Usage: "Stitch scripts and templates into the document and zip its attachments",
				Description: `Loads Documents/<document-name>, embeds the CloudFormation template and shell
scripts into their steps, zips Documents/Attachments into Output/Attachments/attachment.zip
and prints the resulting JSON.

Examples:
  # Print the document
  outposts-backup document build --document-name BackupOutpostsServerInstance.json

  # Validate the embedded CloudFormation template with the CloudFormation API
  outposts-backup document build --document-name BackupOutpostsServerInstance.json --validate

  # Write the document to a file
  outposts-backup document build -d BackupOutpostsServerInstance.json -o Output/document.json`,
				Flags: []cli.Flag{
					documentFlag,
					rootFlag,
					envFlag,
					regionFlag,
					validateFlag,
					skipPolicyFlag,
					templateURLFlag,
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the document to this file instead of stdout",
					},
				},
				Action: func(c *cli.Context) error {
					return buildAction(c, logger)
				},
			},
			{
				Name:  "publish",
				Usage: "Build the document, upload its attachments and register it with Systems Manager",
				Description: `Builds the document, uploads the attachment zip to the artifact bucket and
creates the automation document, or adds a new default version when it already exists.

Examples:
  outposts-backup document publish --env prd --document-name BackupOutpostsServerInstance.json

  # Override the bucket and document name from parameter store
  outposts-backup document publish -d BackupOutpostsServerInstance.json \
    --bucket my-artifacts --name BackupOutpostsServerInstance-test`,
				Flags: []cli.Flag{
					documentFlag,
					rootFlag,
					envFlag,
					regionFlag,
					&cli.StringFlag{
						Name:    "name",
						Usage:   "SSM document name (default from parameter store)",
						EnvVars: []string{"DOCUMENT_NAME"},
					},
					&cli.StringFlag{
						Name:    "bucket",
						Usage:   "S3 bucket for attachments (default from parameter store)",
						EnvVars: []string{"ARTIFACT_BUCKET"},
					},
					&cli.StringFlag{
						Name:    "prefix",
						Usage:   "S3 key prefix for attachments (default from parameter store)",
						EnvVars: []string{"ARTIFACT_PREFIX"},
					},
					validateFlag,
					skipPolicyFlag,
					templateURLFlag,
				},
				Action: func(c *cli.Context) error {
					return publishAction(c, logger)
				},
			},
		},
	}
}

func newContainer(ctx context.Context, c *cli.Context) (di.Container, error) {
	container, err := di.New(c.String("env"),
		di.WithContext(ctx),
		di.WithRegion(c.String("region")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return container, nil
}

func build(c *cli.Context, logger *zerolog.Logger) (*document.Result, error) {
	ctx := logger.WithContext(c.Context)

	var validator document.TemplateValidator
	if c.Bool("validate") {
		container, err := newContainer(ctx, c)
		if err != nil {
			return nil, err
		}
		client, err := di.Get[*cloudformation.Client](container)
		if err != nil {
			return nil, fmt.Errorf("failed to create CloudFormation client: %w", err)
		}
		validator = client
	}

	var templatePolicy document.TemplatePolicy
	if !c.Bool("skip-policy") {
		v, err := policy.NewValidator(ctx)
		if err != nil {
			return nil, err
		}
		templatePolicy = v
	}

	recipe, err := recipeFor(c.StringSlice("template-url"))
	if err != nil {
		return nil, err
	}

	builder := document.NewBuilder(c.String("root"), validator, templatePolicy)
	result, err := builder.Build(ctx, c.String("document-name"), recipe)
	if err != nil {
		return nil, fmt.Errorf("failed to build document: %w", err)
	}
	return result, nil
}

// recipeFor returns the default recipe with hosted templates replacing the
// embedded template of their step
func recipeFor(templateURLs []string) (document.Recipe, error) {
	recipe := document.DefaultRecipe
	if len(templateURLs) == 0 {
		return recipe, nil
	}

	hosted := map[string]bool{}
	recipe.TemplateURLs = nil
	for _, value := range templateURLs {
		step, url, ok := strings.Cut(value, "=")
		if !ok || step == "" || url == "" {
			return document.Recipe{}, fmt.Errorf("invalid --template-url %q, want STEP=URL", value)
		}
		hosted[step] = true
		recipe.TemplateURLs = append(recipe.TemplateURLs, document.TemplateURL{Step: step, URL: url})
	}

	var embedded []document.Insert
	for _, insert := range recipe.CloudFormation {
		if !hosted[insert.Step] {
			embedded = append(embedded, insert)
		}
	}
	recipe.CloudFormation = embedded

	return recipe, nil
}

func buildAction(c *cli.Context, logger *zerolog.Logger) error {
	result, err := build(c, logger)
	if err != nil {
		return err
	}

	content, err := result.Document.MarshalIndent()
	if err != nil {
		return err
	}

	if output := c.String("output"); output != "" {
		if err := os.WriteFile(output, append(content, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		logger.Info().Str("path", output).Msg("Wrote automation document")
		return nil
	}

	fmt.Println(string(content))
	return nil
}

func publishAction(c *cli.Context, logger *zerolog.Logger) error {
	ctx := logger.WithContext(c.Context)

	result, err := build(c, logger)
	if err != nil {
		return err
	}

	content, err := result.Document.MarshalIndent()
	if err != nil {
		return err
	}

	container, err := newContainer(ctx, c)
	if err != nil {
		return err
	}

	config, err := di.Get[*services.Config](container)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	publisher, err := di.Get[*services.DocumentPublisher](container)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	input := services.PublishInput{
		Name:           firstNonEmpty(c.String("name"), config.DocumentName),
		Content:        content,
		AttachmentPath: result.AttachmentPath,
		Bucket:         firstNonEmpty(c.String("bucket"), config.ArtifactBucket),
		Prefix:         firstNonEmpty(c.String("prefix"), config.ArtifactPrefix),
	}
	if input.AttachmentPath != "" && input.Bucket == "" {
		return fmt.Errorf("--bucket or the artifact-bucket parameter is required to upload attachments")
	}

	output, err := publisher.Publish(ctx, input)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
