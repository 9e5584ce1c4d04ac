package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/outposts-backup/internal/di"
	"github.com/savaki/outposts-backup/internal/errors"
	"github.com/savaki/outposts-backup/internal/models"
	"github.com/urfave/cli/v2"
)

const (
	instanceIDParameter = "InstanceId"
	startTimeLayout     = "2006-01-02T15:04:05Z"
	lookupConcurrency   = 8
)

// SSMClient is the subset of the SSM client used to inspect automation executions
type SSMClient interface {
	DescribeAutomationExecutions(ctx context.Context, params *ssm.DescribeAutomationExecutionsInput, optFns ...func(*ssm.Options)) (*ssm.DescribeAutomationExecutionsOutput, error)
	GetAutomationExecution(ctx context.Context, params *ssm.GetAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.GetAutomationExecutionOutput, error)
}

type Handler struct {
	ssmClient SSMClient
}

// siblingTarget is the instance targeted by another execution, or the error
// raised while resolving it
type siblingTarget struct {
	instanceID string
	err        error
}

type Input = models.CheckConcurrencyInput

type Output = models.CheckConcurrencyOutput

func NewHandler(ssmClient SSMClient) *Handler {
	return &Handler{
		ssmClient: ssmClient,
	}
}

// HandleCheckConcurrency fails when another in-progress execution of the same
// document, started before the current one, targets the same instance.
func (h *Handler) HandleCheckConcurrency(ctx context.Context, input *Input) (*Output, error) {
	output, err := h.checkConcurrency(ctx, input)
	if err != nil {
		return nil, errors.ConcurrencyCheckError(err)
	}
	return output, nil
}

func (h *Handler) checkConcurrency(ctx context.Context, input *Input) (*Output, error) {
	logger := zerolog.Ctx(ctx)

	if input.ExecutionID == "" {
		return nil, fmt.Errorf("%w: ExecutionId is required", errors.ErrInvalidParameters)
	}

	current, err := h.findExecution(ctx, input.ExecutionID)
	if err != nil {
		return nil, err
	}

	currentID := aws.ToString(current.AutomationExecutionId)
	instanceID := aws.ToString(current.Target)
	if instanceID == "" {
		instanceID, err = h.instanceParameter(ctx, currentID)
		if err != nil {
			return nil, err
		}
	}

	if instanceID == "" {
		logger.Info().
			Str("execution_id", currentID).
			Msg("Execution has no target instance, skipping concurrency check")
		return &Output{
			Checked: false,
			Message: "No target instance",
		}, nil
	}

	startTime := aws.ToTime(current.ExecutionStartTime).UTC()
	documentName := aws.ToString(current.DocumentName)

	logger.Info().
		Str("execution_id", currentID).
		Str("instance_id", instanceID).
		Str("document_name", documentName).
		Time("start_time", startTime).
		Msg("Checking for concurrent executions")

	executions, err := h.inProgressExecutions(ctx, documentName, startTime)
	if err != nil {
		return nil, err
	}

	var siblings []types.AutomationExecutionMetadata
	for _, execution := range executions {
		if aws.ToString(execution.AutomationExecutionId) != currentID {
			siblings = append(siblings, execution)
		}
	}

	// lookups run concurrently but are judged in listing order, so an earlier
	// conflict wins over a later lookup failure
	callback := func(ctx context.Context, execution types.AutomationExecutionMetadata) (siblingTarget, error) {
		if target := aws.ToString(execution.Target); target == instanceID {
			return siblingTarget{instanceID: target}, nil
		}
		id, err := h.instanceParameter(ctx, aws.ToString(execution.AutomationExecutionId))
		return siblingTarget{instanceID: id, err: err}, nil
	}
	targets, err := slicex.MapConcurrent(callback).
		Concurrency(lookupConcurrency).
		DoValues(ctx, siblings...)
	if err != nil {
		return nil, err
	}

	for i, target := range targets {
		if target.err != nil {
			return nil, target.err
		}
		if target.instanceID != instanceID {
			continue
		}

		conflictID := aws.ToString(siblings[i].AutomationExecutionId)
		logger.Warn().
			Str("execution_id", currentID).
			Str("instance_id", instanceID).
			Str("conflicting_execution_id", conflictID).
			Msg("Concurrent execution found")

		return nil, fmt.Errorf("There is another execution of this document already in progress for %s with id %s: %w",
			instanceID, conflictID, errors.ErrConcurrentExecution)
	}

	logger.Info().
		Str("instance_id", instanceID).
		Int("in_progress", len(siblings)).
		Msg("No concurrent execution found")

	return &Output{
		InstanceID: instanceID,
		Checked:    true,
		Message:    fmt.Sprintf("No other execution in progress for %s", instanceID),
	}, nil
}

func (h *Handler) findExecution(ctx context.Context, executionID string) (*types.AutomationExecutionMetadata, error) {
	result, err := h.ssmClient.DescribeAutomationExecutions(ctx, &ssm.DescribeAutomationExecutionsInput{
		Filters: []types.AutomationExecutionFilter{
			{
				Key:    types.AutomationExecutionFilterKeyExecutionId,
				Values: []string{executionID},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.AutomationExecutionMetadataList) == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrExecutionNotFound, executionID)
	}
	return &result.AutomationExecutionMetadataList[0], nil
}

// instanceParameter returns the first value of the InstanceId parameter of an
// execution, or "" when the parameter is absent.
func (h *Handler) instanceParameter(ctx context.Context, executionID string) (string, error) {
	result, err := h.ssmClient.GetAutomationExecution(ctx, &ssm.GetAutomationExecutionInput{
		AutomationExecutionId: aws.String(executionID),
	})
	if err != nil {
		return "", err
	}
	if result.AutomationExecution == nil {
		return "", nil
	}
	if values := result.AutomationExecution.Parameters[instanceIDParameter]; len(values) > 0 {
		return values[0], nil
	}
	return "", nil
}

func (h *Handler) inProgressExecutions(ctx context.Context, documentName string, startedBefore time.Time) ([]types.AutomationExecutionMetadata, error) {
	paginator := ssm.NewDescribeAutomationExecutionsPaginator(h.ssmClient, &ssm.DescribeAutomationExecutionsInput{
		Filters: []types.AutomationExecutionFilter{
			{
				Key:    types.AutomationExecutionFilterKeyDocumentNamePrefix,
				Values: []string{documentName},
			},
			{
				Key:    types.AutomationExecutionFilterKeyExecutionStatus,
				Values: []string{string(types.AutomationExecutionStatusInprogress)},
			},
			{
				Key:    types.AutomationExecutionFilterKeyStartTimeBefore,
				Values: []string{startedBefore.Format(startTimeLayout)},
			},
		},
	})

	var executions []types.AutomationExecutionMetadata
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		executions = append(executions, page.AutomationExecutionMetadataList...)
	}
	return executions, nil
}

func newHandler(ctx context.Context, c *cli.Context) (*Handler, error) {
	container, err := di.New(c.String("env"),
		di.WithContext(ctx),
		di.WithRegion(c.String("region")),
		di.WithProviders(func(client *ssm.Client) *Handler {
			return NewHandler(client)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return di.Get[*Handler](container)
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "check-concurrency").Logger()
	handler, err := newHandler(logger.WithContext(c.Context), c)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	wrappedHandler := func(ctx context.Context, input *Input) (*Output, error) {
		ctx = logger.WithContext(ctx)
		return handler.HandleCheckConcurrency(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "check-concurrency").Logger()
	ctx := logger.WithContext(c.Context)

	handler, err := newHandler(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	result, err := handler.HandleCheckConcurrency(ctx, &Input{
		ExecutionID: c.String("execution-id"),
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func main() {
	commonFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "env",
			Usage:   "Environment",
			EnvVars: []string{"ENV"},
			Value:   "dev",
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region",
			EnvVars: []string{"AWS_REGION"},
		},
	}

	app := &cli.App{
		Name:           "check-concurrency",
		Usage:          "Fail when another automation execution targets the same instance",
		DefaultCommand: "lambda",
		Commands: []*cli.Command{
			{
				Name:   "lambda",
				Usage:  "Start Lambda handler",
				Flags:  commonFlags,
				Action: lambdaAction,
			},
			{
				Name:  "run",
				Usage: "Run locally for testing",
				Flags: append(commonFlags,
					&cli.StringFlag{
						Name:     "execution-id",
						Usage:    "Automation execution id",
						EnvVars:  []string{"EXECUTION_ID"},
						Required: true,
					},
				),
				Action: runAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
