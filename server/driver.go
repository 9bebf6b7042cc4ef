package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/drender/drender/broker"
	awscloud "github.com/drender/drender/cloud/aws"
	"github.com/drender/drender/cloud/local"
	"github.com/drender/drender/cloud/openstack"
	driverpkg "github.com/drender/drender/driver"
	"github.com/drender/drender/probe"
	"github.com/drender/drender/server/flags"
	"github.com/drender/drender/server/log"
)

var driver *driverpkg.Driver

func createDriver(ctx context.Context) error {
	machines, storage, err := createProviders(ctx)
	if err != nil {
		return fmt.Errorf("unable to create provider '%s': %w", viper.GetString(flags.Provider), err)
	}

	feed := broker.New(broker.Config{
		Logger:   log.Base,
		Port:     viper.GetInt(flags.BrokerPort),
		Username: viper.GetString(flags.BrokerUsername),
		Password: viper.GetString(flags.BrokerPassword),
	})

	healthProbe := probe.NewHTTP()
	healthProbe.Port = viper.GetInt(flags.ProbePort)

	config := driverpkg.Config{
		Logger:             log.Base,
		Images:             viper.GetStringMapString(flags.SoftwareImages),
		HeartbeatInterval:  viper.GetDuration(flags.HeartbeatInterval),
		ProbeTimeout:       viper.GetDuration(flags.ProbeTimeout),
		SweepInterval:      viper.GetDuration(flags.SweepInterval),
		SpawnTimeout:       viper.GetDuration(flags.SpawnTimeout),
		RestartTimeout:     viper.GetDuration(flags.RestartTimeout),
		TerminateTimeout:   viper.GetDuration(flags.TerminateTimeout),
		SpawnRetryCooldown: viper.GetDuration(flags.SpawnRetryCooldown),
		WorkerPool:         viper.GetInt(flags.WorkerPool),
	}
	if err := driverpkg.Validate(config); err != nil {
		return fmt.Errorf("invalid driver config: %w", err)
	}

	driver, err = driverpkg.New(driverpkg.Resources{
		Machines:   machines,
		Storage:    storage,
		Probe:      healthProbe,
		Feed:       feed,
		Dispatcher: feed,
	}, config)
	return err
}

func createProviders(ctx context.Context) (driverpkg.MachineProvider, driverpkg.StorageProvider, error) {
	logger := log.Base.With("component", "provider")

	// Frames always land in S3, whichever compute provider runs the
	// machines.
	awsConfig := awscloud.Config{
		Logger:          logger,
		Region:          viper.GetString(flags.AwsRegion),
		AccessKeyID:     viper.GetString(flags.AwsAccessKeyID),
		SecretAccessKey: viper.GetString(flags.AwsSecretKey),
		InstanceType:    viper.GetString(flags.AwsInstanceType),
		SubnetID:        viper.GetString(flags.AwsSubnet),
		SecurityGroups:  viper.GetStringSlice(flags.AwsSecurityGroups),
		Bucket:          viper.GetString(flags.AwsBucket),
	}
	storage, err := awscloud.NewStorage(ctx, awsConfig)
	if err != nil {
		return nil, nil, err
	}

	switch p := viper.GetString(flags.Provider); p {
	case "aws":
		machines, err := awscloud.New(ctx, awsConfig)
		return machines, storage, err

	case "openstack":
		config := openstack.Config{
			Logger: logger,
			Flavor: viper.GetString(flags.OpenstackFlavor),
			Networks: lo.Map(
				viper.GetStringSlice(flags.OpenstackNetworks),
				func(s string, _ int) servers.Network {
					return servers.Network{UUID: s}
				},
			),
			SecurityGroups: viper.GetStringSlice(flags.OpenstackSecurityGroups),
		}
		logger.Debug("Provider config", "provider", p, "config", string(lo.Must(json.Marshal(config))))
		machines, err := openstack.New(config)
		return machines, storage, err

	case "local":
		return local.New(logger), storage, nil

	default:
		return nil, nil, fmt.Errorf("unknown provider")
	}
}
