package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/errors"
)

// InstanceWaiter blocks until an EC2 instance reaches a lifecycle state.
type InstanceWaiter interface {
	WaitUntilRunning(ctx context.Context, instanceID string) error
	WaitUntilTerminated(ctx context.Context, instanceID string) error
}

// EC2InstanceWaiter implements InstanceWaiter with the EC2 SDK waiters
type EC2InstanceWaiter struct {
	client  ec2.DescribeInstancesAPIClient
	maxWait time.Duration
}

func NewEC2InstanceWaiter(client ec2.DescribeInstancesAPIClient, maxWait time.Duration) *EC2InstanceWaiter {
	return &EC2InstanceWaiter{
		client:  client,
		maxWait: maxWait,
	}
}

func (w *EC2InstanceWaiter) WaitUntilRunning(ctx context.Context, instanceID string) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("instance_id", instanceID).Msg("Waiting for new instance to reach running state")

	waiter := ec2.NewInstanceRunningWaiter(w.client)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, w.maxWait)
	if err != nil {
		logger.Error().Err(err).Str("instance_id", instanceID).Msg("Launched instance is not running")
		return fmt.Errorf("%w: %s is not running: %w", errors.ErrInstanceNotStable, instanceID, err)
	}

	logger.Info().Str("instance_id", instanceID).Msg("Launched instance is now in running state")
	return nil
}

func (w *EC2InstanceWaiter) WaitUntilTerminated(ctx context.Context, instanceID string) error {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("instance_id", instanceID).Msg("Waiting for new instance to reach terminated state")

	waiter := ec2.NewInstanceTerminatedWaiter(w.client)
	err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}, w.maxWait)
	if err != nil {
		logger.Error().Err(err).Str("instance_id", instanceID).Msg("Launched instance is not terminated")
		return fmt.Errorf("%w: %s is not terminated: %w", errors.ErrInstanceNotStable, instanceID, err)
	}

	logger.Info().Str("instance_id", instanceID).Msg("Launched instance is now in terminated state")
	return nil
}
