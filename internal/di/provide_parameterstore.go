package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/services"
)

// ProvideSSMClient provides an SSM client for Automation and Parameter Store access
func ProvideSSMClient(awsConfig aws.Config) *ssm.Client {
	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore provides a ParameterStore implementation
// Uses SSM Parameter Store in AWS, falls back to environment variables when DISABLE_SSM=true
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, env string) services.ParameterStore {
	logger := zerolog.Ctx(ctx)

	if os.Getenv("DISABLE_SSM") == "true" {
		logger.Info().Msg("Using environment variables for configuration (SSM disabled)")
		return services.NewEnvParameterStore(env)
	}

	logger.Info().Msg("Using AWS Systems Manager Parameter Store for configuration")
	return services.NewSSMParameterStore(ssmClient, env)
}

// ProvideAppConfig loads application configuration from Parameter Store or environment variables
func ProvideAppConfig(ctx context.Context, store services.ParameterStore) (*services.Config, error) {
	logger := zerolog.Ctx(ctx)

	config, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info().
		Str("document_name", config.DocumentName).
		Str("artifact_bucket", config.ArtifactBucket).
		Str("default_instance_type", config.DefaultInstanceType).
		Dur("waiter_timeout", config.WaiterTimeout).
		Bool("has_baseline_table", config.BaselineTableName != "").
		Msg("Configuration loaded successfully")

	return config, nil
}
