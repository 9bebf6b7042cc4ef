package aws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/drender/drender/cloud/internal"
	"github.com/drender/drender/driver"
)

// Provider runs worker machines on EC2.
type Provider struct {
	config Config
	ec2    *ec2.Client
	log    *slog.Logger
}

// Provider implements driver.MachineProvider
var _ driver.MachineProvider = (*Provider)(nil)

func New(ctx context.Context, config Config) (*Provider, error) {
	awsCfg, err := loadAwsConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Provider{
		config: config,
		ec2:    ec2.NewFromConfig(awsCfg),
		log:    config.Logger,
	}, nil
}

func loadAwsConfig(ctx context.Context, config Config) (aws.Config, error) {
	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func (p *Provider) Spawn(ctx context.Context, image string, count int) ([]driver.Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: ec2types.InstanceType(p.config.InstanceType),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
	}
	if p.config.SubnetID != "" {
		input.SubnetId = aws.String(p.config.SubnetID)
	}
	if len(p.config.SecurityGroups) > 0 {
		input.SecurityGroupIds = p.config.SecurityGroups
	}

	output, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run %d instance(s) of %s: %w", count, image, err)
	}
	ids := lo.Map(output.Instances, func(i ec2types.Instance, _ int) string {
		return aws.ToString(i.InstanceId)
	})

	p.log.Debug("Waiting for instances to become ready", "instances", ids)
	waiter := ec2.NewInstanceRunningWaiter(p.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("failed while waiting for instances %v to run: %w", ids, err)
	}

	// Addresses are only assigned once the machine runs; poll, at most 5
	// times, until every instance has a public IP.
	return internal.RetryResultWithContext(ctx, 5, func() ([]driver.Instance, error) {
		return p.describe(ctx, ids)
	})
}

func (p *Provider) describe(ctx context.Context, ids []string) ([]driver.Instance, error) {
	output, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances %v: %w", ids, err)
	}

	var instances []driver.Instance
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if instance.PublicIpAddress == nil {
				return nil, fmt.Errorf("instance %s has no public IP yet", aws.ToString(instance.InstanceId))
			}
			state := ""
			if instance.State != nil {
				state = string(instance.State.Name)
			}
			instances = append(instances, driver.Instance{
				ID:         aws.ToString(instance.InstanceId),
				PublicIP:   aws.ToString(instance.PublicIpAddress),
				PrivateIP:  aws.ToString(instance.PrivateIpAddress),
				CloudImage: aws.ToString(instance.ImageId),
				State:      state,
			})
		}
	}
	return instances, nil
}

func (p *Provider) Restart(ctx context.Context, instanceID string) error {
	_, err := p.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return fmt.Errorf("failed to reboot instance %s: %w", instanceID, err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, instanceIDs []string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return fmt.Errorf("failed to terminate instances %v: %w", instanceIDs, err)
	}
	return nil
}
