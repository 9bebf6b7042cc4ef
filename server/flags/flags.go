package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"
	Listen    = "listen"

	Provider           = "provider"
	SoftwareImages     = "software-images"
	HeartbeatInterval  = "heartbeat-interval"
	ProbeTimeout       = "probe-timeout"
	SweepInterval      = "sweep-interval"
	SpawnTimeout       = "spawn-timeout"
	RestartTimeout     = "restart-timeout"
	TerminateTimeout   = "terminate-timeout"
	SpawnRetryCooldown = "spawn-retry-cooldown"
	WorkerPool         = "worker-pool"

	BrokerPort     = "broker-port"
	BrokerUsername = "broker-username"
	BrokerPassword = "broker-password"

	ProbePort = "probe-port"

	AwsRegion         = "aws-region"
	AwsAccessKeyID    = "aws-access-key-id"
	AwsSecretKey      = "aws-secret-access-key"
	AwsInstanceType   = "aws-instance-type"
	AwsSubnet         = "aws-subnet"
	AwsSecurityGroups = "aws-security-groups"
	AwsBucket         = "aws-bucket"

	OpenstackFlavor         = "openstack-flavor"
	OpenstackNetworks       = "openstack-networks"
	OpenstackSecurityGroups = "openstack-security-groups"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Driver
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":7680", "listening address")
	flags.String(Provider, "aws", "machine provider to use (aws, openstack, local)")
	flags.StringToString(SoftwareImages, map[string]string{}, "software tag to machine image mapping (e.g. blender=ami-123)")
	flags.Duration(HeartbeatInterval, 15*time.Second, "how often to probe each instance")
	flags.Duration(ProbeTimeout, 30*time.Second, "timeout of a single health probe")
	flags.Duration(SweepInterval, 10*time.Second, "how often to reap finished instances")
	flags.Duration(SpawnTimeout, 8*time.Minute, "timeout of a machine spawn")
	flags.Duration(RestartTimeout, 5*time.Minute, "timeout of a machine restart including health verification")
	flags.Duration(TerminateTimeout, 8*time.Minute, "timeout of a machine termination")
	flags.Duration(SpawnRetryCooldown, 1*time.Minute, "how long to wait before retrying a failed replacement spawn")
	flags.Int(WorkerPool, 10, "maximum number of concurrent cloud operations")

	// Broker
	flags.Int(BrokerPort, 5672, "broker port")
	flags.String(BrokerUsername, "drender", "broker username")
	flags.String(BrokerPassword, "", "broker password")

	// Probe
	flags.Int(ProbePort, 8080, "render agent status port")

	// AWS
	flags.String(AwsRegion, "us-east-1", "AWS region")
	flags.String(AwsAccessKeyID, "", "AWS access key id (default credential chain when empty)")
	flags.String(AwsSecretKey, "", "AWS secret access key")
	flags.String(AwsInstanceType, "c5.2xlarge", "EC2 instance type for render machines")
	flags.String(AwsSubnet, "", "subnet for render machines")
	flags.StringSlice(AwsSecurityGroups, nil, "security groups for render machines")
	flags.String(AwsBucket, "drender-output", "bucket holding rendered frames")

	// Openstack
	flags.String(OpenstackFlavor, "", "flavor to use for render machines")
	flags.StringSlice(OpenstackNetworks, nil, "networks attached to render machines")
	flags.StringSlice(OpenstackSecurityGroups, nil, "security groups defined for render machines")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("drender")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
