package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/savaki/outposts-backup/internal/services"
)

const maxAttempts = 10

// ProvideAWSConfig loads the default AWS config using the standard retry mode
// with up to ten attempts per call.
func ProvideAWSConfig(ctx context.Context, region Region) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(maxAttempts),
	}
	if region != "" {
		optFns = append(optFns, config.WithRegion(string(region)))
	}
	return config.LoadDefaultConfig(ctx, optFns...)
}

func ProvideEC2Client(config aws.Config) *ec2.Client {
	return ec2.NewFromConfig(config)
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

func ProvideSTSClient(config aws.Config) *sts.Client {
	return sts.NewFromConfig(config)
}

func ProvideCloudFormationClient(config aws.Config) *cloudformation.Client {
	return cloudformation.NewFromConfig(config)
}

func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(config)
}

// ProvideInstanceWaiter waits on EC2 instance state changes for up to the
// configured waiter timeout.
func ProvideInstanceWaiter(client *ec2.Client, config *services.Config) services.InstanceWaiter {
	return services.NewEC2InstanceWaiter(client, config.WaiterTimeout)
}

func ProvideDocumentPublisher(s3Client *s3.Client, ssmClient *ssm.Client, stsClient *sts.Client) *services.DocumentPublisher {
	return services.NewDocumentPublisher(s3Client, ssmClient, stsClient)
}
