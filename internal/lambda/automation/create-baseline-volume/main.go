package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/dao/baselinedao"
	"github.com/savaki/outposts-backup/internal/di"
	"github.com/savaki/outposts-backup/internal/errors"
	"github.com/savaki/outposts-backup/internal/models"
	"github.com/savaki/outposts-backup/internal/services"
	"github.com/urfave/cli/v2"
)

const (
	// gbToGiB converts decimal gigabytes to binary gibibytes
	gbToGiB = 0.93132

	baselineInstanceName = "BaselineInstance_BackupOutpostsServerInstance"
	automationIDTag      = "SSMautomation_id"

	maxVolumeLookups   = 10
	volumeLookupPeriod = 3 * time.Second
	cleanupTimeout     = 30 * time.Second

	// largest EBS volume, in GiB
	maxVolumeSizeGiB = 65536
)

// userData keeps cloud-init from growing the root partition and filesystem of
// the throwaway instance, so the root volume matches the image.
const userData = `#cloud-config
resize_rootfs: false
growpart: false
resizefs: false
`

// EC2Client is the subset of the EC2 client used to materialize a baseline volume
type EC2Client interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	ModifyVolume(ctx context.Context, params *ec2.ModifyVolumeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVolumeOutput, error)
}

// BaselineRecorder stores provisioned baselines
type BaselineRecorder interface {
	Create(ctx context.Context, input baselinedao.CreateInput) (baselinedao.Record, error)
}

type Handler struct {
	ec2Client           EC2Client
	waiter              services.InstanceWaiter
	recorder            BaselineRecorder
	defaultInstanceType string
	lookupPeriod        time.Duration
}

type Input = models.BaselineVolumeInput

type Output = models.BaselineVolumeOutput

// NewHandler creates a handler; recorder may be nil to skip the baseline ledger
func NewHandler(ec2Client EC2Client, waiter services.InstanceWaiter, recorder BaselineRecorder, config *services.Config) *Handler {
	return &Handler{
		ec2Client:           ec2Client,
		waiter:              waiter,
		recorder:            recorder,
		defaultInstanceType: config.DefaultInstanceType,
		lookupPeriod:        volumeLookupPeriod,
	}
}

// VolumeSizeGiB converts the requested size in GB to whole GiB, rounding up
func VolumeSizeGiB(sizeGB float64) int32 {
	return int32(math.Ceil(sizeGB * gbToGiB))
}

func (h *Handler) HandleCreateBaselineVolume(ctx context.Context, input *Input) (*Output, error) {
	output, err := h.createBaselineVolume(ctx, input)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("instance_id", input.InstanceID).Msg("Failed to create baseline volume")
		return nil, errors.BaselineVolumeError(err)
	}
	return output, nil
}

func (h *Handler) createBaselineVolume(ctx context.Context, input *Input) (*Output, error) {
	logger := zerolog.Ctx(ctx)

	if err := validate(input); err != nil {
		return nil, err
	}

	imageID := input.AmiID
	if imageID == models.SelectAutomatically {
		selected, err := h.selectImage(ctx, input.InstanceID)
		if err != nil {
			return nil, err
		}
		imageID = selected
	}

	sizeGiB := VolumeSizeGiB(input.VolumeSize)

	logger.Info().
		Str("instance_id", input.InstanceID).
		Str("ami_id", imageID).
		Str("size", humanize.IBytes(uint64(sizeGiB)<<30)).
		Msg("Creating baseline volume")

	snapshotID, err := h.rootSnapshot(ctx, imageID)
	if err != nil {
		return nil, err
	}

	visible, err := h.snapshotVisible(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	var volumeID string
	source := baselinedao.SourceSnapshot
	if visible {
		volumeID, err = h.volumeFromSnapshot(ctx, input, snapshotID, sizeGiB)
	} else {
		source = baselinedao.SourceInstance
		volumeID, err = h.volumeFromInstance(ctx, input, imageID)
	}
	if err != nil {
		return nil, err
	}

	if err := h.resizeVolume(ctx, volumeID, sizeGiB); err != nil {
		return nil, err
	}

	h.record(ctx, baselinedao.CreateInput{
		InstanceID:    input.InstanceID,
		VolumeID:      volumeID,
		AmiID:         imageID,
		SnapshotID:    snapshotID,
		Source:        source,
		VolumeSizeGiB: sizeGiB,
		ExecutionID:   input.ExecutionID,
	})

	logger.Info().
		Str("instance_id", input.InstanceID).
		Str("volume_id", volumeID).
		Str("ami_id", imageID).
		Str("source", string(source)).
		Msg("Baseline volume ready")

	return &Output{
		BaselineVolumeID: volumeID,
		BaselineAmiID:    imageID,
		VolumeSizeGiB:    sizeGiB,
	}, nil
}

func validate(input *Input) error {
	switch {
	case input.InstanceID == "":
		return fmt.Errorf("%w: InstanceId is required", errors.ErrInvalidParameters)
	case input.AmiID == "":
		return fmt.Errorf("%w: AmiId is required", errors.ErrInvalidParameters)
	case input.VolumeSize <= 0:
		return fmt.Errorf("%w: VolumeSize must be positive, got %v", errors.ErrInvalidParameters, input.VolumeSize)
	case math.Ceil(input.VolumeSize*gbToGiB) > maxVolumeSizeGiB:
		return fmt.Errorf("%w: VolumeSize %v exceeds the EBS maximum of %d GiB", errors.ErrInvalidParameters, input.VolumeSize, maxVolumeSizeGiB)
	}
	return nil
}

// selectImage returns the newest backup AMI of the instance, or the AMI the
// instance was launched from when no backup exists yet.
func (h *Handler) selectImage(ctx context.Context, instanceID string) (string, error) {
	logger := zerolog.Ctx(ctx)

	paginator := ec2.NewDescribeImagesPaginator(h.ec2Client, &ec2.DescribeImagesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("name"),
				Values: []string{models.BackupImagePrefix + instanceID + "*"},
			},
		},
	})

	var images []types.Image
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to describe backup images: %w", err)
		}
		images = append(images, page.Images...)
	}

	if latest := latestImage(images); latest != nil {
		logger.Info().
			Str("instance_id", instanceID).
			Str("ami_id", aws.ToString(latest.ImageId)).
			Str("creation_date", aws.ToString(latest.CreationDate)).
			Msg("Selected latest backup image")
		return aws.ToString(latest.ImageId), nil
	}

	result, err := h.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("%w: %s", errors.ErrInstanceNotFound, instanceID)
	}

	imageID := aws.ToString(result.Reservations[0].Instances[0].ImageId)
	logger.Info().
		Str("instance_id", instanceID).
		Str("ami_id", imageID).
		Msg("No backup image found, using source image of the instance")

	return imageID, nil
}

func latestImage(images []types.Image) *types.Image {
	var latest *types.Image
	var latestAt time.Time
	for i := range images {
		image := &images[i]
		createdAt := creationTime(image)
		if latest == nil || createdAt.After(latestAt) {
			latest, latestAt = image, createdAt
		}
	}
	return latest
}

func creationTime(image *types.Image) time.Time {
	t, err := time.Parse(time.RFC3339, aws.ToString(image.CreationDate))
	if err != nil {
		return time.Time{}
	}
	return t
}

// rootSnapshot returns the snapshot backing the root device of the image
func (h *Handler) rootSnapshot(ctx context.Context, imageID string) (string, error) {
	result, err := h.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe image %s: %w", imageID, err)
	}
	if len(result.Images) == 0 {
		return "", fmt.Errorf("%w: %s", errors.ErrImageNotFound, imageID)
	}

	image := result.Images[0]
	rootDeviceName := aws.ToString(image.RootDeviceName)
	for _, mapping := range image.BlockDeviceMappings {
		if aws.ToString(mapping.DeviceName) != rootDeviceName {
			continue
		}
		if mapping.Ebs != nil && aws.ToString(mapping.Ebs.SnapshotId) != "" {
			return aws.ToString(mapping.Ebs.SnapshotId), nil
		}
		break
	}

	return "", errors.ErrRootSnapshotNotFound
}

// snapshotVisible reports whether the snapshot can be read from this account.
// Snapshots of shared or marketplace images are often not.
func (h *Handler) snapshotVisible(ctx context.Context, snapshotID string) (bool, error) {
	result, err := h.ec2Client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("snapshot-id"),
				Values: []string{snapshotID},
			},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to describe snapshot %s: %w", snapshotID, err)
	}
	return len(result.Snapshots) > 0, nil
}

func (h *Handler) volumeFromSnapshot(ctx context.Context, input *Input, snapshotID string, sizeGiB int32) (string, error) {
	if input.VolumeAZ == "" {
		return "", fmt.Errorf("%w: VolumeAZ is required to create a volume from %s", errors.ErrInvalidParameters, snapshotID)
	}

	result, err := h.ec2Client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		SnapshotId:       aws.String(snapshotID),
		AvailabilityZone: aws.String(input.VolumeAZ),
		Size:             aws.Int32(sizeGiB),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create volume from snapshot %s: %w", snapshotID, err)
	}

	volumeID := aws.ToString(result.VolumeId)
	zerolog.Ctx(ctx).Info().
		Str("snapshot_id", snapshotID).
		Str("volume_id", volumeID).
		Str("availability_zone", input.VolumeAZ).
		Msg("Created volume from snapshot")

	return volumeID, nil
}

// volumeFromInstance launches a throwaway instance from the image, keeps its
// root volume and terminates the instance.
func (h *Handler) volumeFromInstance(ctx context.Context, input *Input, imageID string) (string, error) {
	logger := zerolog.Ctx(ctx)

	if input.DeviceMapping == "" {
		return "", fmt.Errorf("%w: DeviceMapping is required to keep the root volume of the baseline instance", errors.ErrInvalidParameters)
	}

	instance, err := h.runInstance(ctx, input, imageID)
	if err != nil {
		return "", err
	}
	instanceID := aws.ToString(instance.InstanceId)

	volumeID, err := h.attachedRootVolume(ctx, instanceID, aws.ToString(instance.RootDeviceName))
	if err != nil {
		h.discardInstance(ctx, instanceID)
		return "", err
	}

	_, err = h.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		h.discardInstance(ctx, instanceID)
		return "", fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	logger.Info().Str("instance_id", instanceID).Msg("Terminating baseline instance")

	if err := h.waiter.WaitUntilTerminated(ctx, instanceID); err != nil {
		return "", err
	}

	return volumeID, nil
}

func (h *Handler) attachedRootVolume(ctx context.Context, instanceID, rootDeviceName string) (string, error) {
	if err := h.waiter.WaitUntilRunning(ctx, instanceID); err != nil {
		return "", err
	}
	return h.rootVolume(ctx, instanceID, rootDeviceName)
}

// discardInstance terminates the throwaway instance after a failed run. It
// runs on a context detached from ctx so a cancelled or expired invocation
// still cleans up; failures are only logged.
func (h *Handler) discardInstance(ctx context.Context, instanceID string) {
	logger := zerolog.Ctx(ctx)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := h.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to terminate baseline instance after error")
		return
	}
	logger.Warn().Str("instance_id", instanceID).Msg("Terminated baseline instance after error")
}

func (h *Handler) runInstance(ctx context.Context, input *Input, imageID string) (*types.Instance, error) {
	instanceType := input.InstanceType
	if instanceType == "" {
		instanceType = h.defaultInstanceType
	}

	params := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String(input.DeviceMapping),
				Ebs: &types.EbsBlockDevice{
					DeleteOnTermination: aws.Bool(false),
				},
			},
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(baselineInstanceName)},
					{Key: aws.String(automationIDTag), Value: aws.String(input.ExecutionID)},
				},
			},
		},
	}
	if input.SubnetID != "" {
		params.SubnetId = aws.String(input.SubnetID)
	}
	if input.SecurityGroupID != "" {
		params.SecurityGroupIds = []string{input.SecurityGroupID}
	}

	result, err := h.ec2Client.RunInstances(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to launch baseline instance from %s: %w", imageID, err)
	}
	if len(result.Instances) == 0 {
		return nil, fmt.Errorf("%w: no instance launched from %s", errors.ErrInstanceNotFound, imageID)
	}

	instance := result.Instances[0]
	zerolog.Ctx(ctx).Info().
		Str("instance_id", aws.ToString(instance.InstanceId)).
		Str("ami_id", imageID).
		Str("instance_type", instanceType).
		Msg("Launched EC2 instance")

	return &instance, nil
}

// rootVolume finds the volume attached to the instance at its root device. The
// attachment may trail the instance reaching the running state.
func (h *Handler) rootVolume(ctx context.Context, instanceID, rootDeviceName string) (string, error) {
	var volumeID string
	operation := func() error {
		result, err := h.ec2Client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters: []types.Filter{
				{
					Name:   aws.String("attachment.instance-id"),
					Values: []string{instanceID},
				},
				{
					Name:   aws.String("attachment.device"),
					Values: []string{rootDeviceName},
				},
			},
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to describe root volume of %s: %w", instanceID, err))
		}
		for _, volume := range result.Volumes {
			for _, attachment := range volume.Attachments {
				if id := aws.ToString(attachment.VolumeId); id != "" {
					volumeID = id
					return nil
				}
			}
		}
		return fmt.Errorf("%w: root volume %s of %s", errors.ErrVolumeNotFound, rootDeviceName, instanceID)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.lookupPeriod), maxVolumeLookups),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}

	zerolog.Ctx(ctx).Info().
		Str("instance_id", instanceID).
		Str("volume_id", volumeID).
		Str("device", rootDeviceName).
		Msg("Found root volume of baseline instance")

	return volumeID, nil
}

func (h *Handler) resizeVolume(ctx context.Context, volumeID string, sizeGiB int32) error {
	logger := zerolog.Ctx(ctx)

	result, err := h.ec2Client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return fmt.Errorf("failed to describe volume %s: %w", volumeID, err)
	}
	if len(result.Volumes) == 0 {
		return fmt.Errorf("%w: %s", errors.ErrVolumeNotFound, volumeID)
	}

	current := aws.ToInt32(result.Volumes[0].Size)
	if current == sizeGiB {
		return nil
	}

	_, err = h.ec2Client.ModifyVolume(ctx, &ec2.ModifyVolumeInput{
		VolumeId: aws.String(volumeID),
		Size:     aws.Int32(sizeGiB),
	})
	if err != nil {
		return fmt.Errorf("failed to resize volume %s: %w", volumeID, err)
	}

	logger.Info().
		Str("volume_id", volumeID).
		Str("from", humanize.IBytes(uint64(current)<<30)).
		Str("to", humanize.IBytes(uint64(sizeGiB)<<30)).
		Msg("Resized baseline volume")

	return nil
}

func (h *Handler) record(ctx context.Context, input baselinedao.CreateInput) {
	if h.recorder == nil {
		return
	}

	logger := zerolog.Ctx(ctx)
	record, err := h.recorder.Create(ctx, input)
	if err != nil {
		logger.Warn().Err(err).Str("volume_id", input.VolumeID).Msg("Failed to record baseline volume")
		return
	}
	logger.Info().Str("baseline_id", record.GetID().String()).Msg("Recorded baseline volume")
}

func newHandler(ctx context.Context, c *cli.Context) (*Handler, error) {
	container, err := di.New(c.String("env"),
		di.WithContext(ctx),
		di.WithRegion(c.String("region")),
		di.WithProviders(func(client *ec2.Client, waiter services.InstanceWaiter, dao *baselinedao.DAO, config *services.Config) *Handler {
			var recorder BaselineRecorder
			if dao != nil {
				recorder = dao
			}
			return NewHandler(client, waiter, recorder, config)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return di.Get[*Handler](container)
}

func lambdaAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "create-baseline-volume").Logger()
	handler, err := newHandler(logger.WithContext(c.Context), c)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	wrappedHandler := func(ctx context.Context, input *Input) (*Output, error) {
		ctx = logger.WithContext(ctx)
		return handler.HandleCreateBaselineVolume(ctx, input)
	}
	lambda.Start(wrappedHandler)
	return nil
}

func runAction(c *cli.Context) error {
	logger := di.ProvideLogger().With().Str("lambda", "create-baseline-volume").Logger()
	ctx := logger.WithContext(c.Context)

	handler, err := newHandler(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}

	result, err := handler.HandleCreateBaselineVolume(ctx, &Input{
		InstanceID:      c.String("instance-id"),
		AmiID:           c.String("ami-id"),
		InstanceType:    c.String("instance-type"),
		SubnetID:        c.String("subnet-id"),
		VolumeAZ:        c.String("volume-az"),
		SecurityGroupID: c.String("security-group-id"),
		VolumeSize:      c.Float64("volume-size"),
		DeviceMapping:   c.String("device-mapping"),
		ExecutionID:     c.String("execution-id"),
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
		Name:           "create-baseline-volume",
		Usage:          "Create the baseline EBS volume for an Outposts server backup",
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
						Name:     "instance-id",
						Usage:    "Instance being backed up",
						EnvVars:  []string{"INSTANCE_ID"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "ami-id",
						Usage:   "AMI id, or SelectAutomatically for the latest backup image",
						EnvVars: []string{"AMI_ID"},
						Value:   models.SelectAutomatically,
					},
					&cli.StringFlag{
						Name:    "instance-type",
						Usage:   "Instance type of the throwaway instance",
						EnvVars: []string{"INSTANCE_TYPE"},
					},
					&cli.StringFlag{
						Name:    "subnet-id",
						Usage:   "Subnet of the throwaway instance",
						EnvVars: []string{"SUBNET_ID"},
					},
					&cli.StringFlag{
						Name:    "volume-az",
						Usage:   "Availability zone of a volume cloned from a snapshot",
						EnvVars: []string{"VOLUME_AZ"},
					},
					&cli.StringFlag{
						Name:    "security-group-id",
						Usage:   "Security group of the throwaway instance",
						EnvVars: []string{"SECURITY_GROUP_ID"},
					},
					&cli.Float64Flag{
						Name:     "volume-size",
						Usage:    "Target volume size in GB",
						EnvVars:  []string{"VOLUME_SIZE"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "device-mapping",
						Usage:   "Root device name of the throwaway instance",
						EnvVars: []string{"DEVICE_MAPPING"},
						Value:   "/dev/sda1",
					},
					&cli.StringFlag{
						Name:    "execution-id",
						Usage:   "Automation execution id used to tag the throwaway instance",
						EnvVars: []string{"EXECUTION_ID"},
						Value:   "local",
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
