package aws

import (
	"log/slog"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	Region          string `json:"region"`
	AccessKeyID     string `json:"access-key-id"`
	SecretAccessKey string `json:"-"`

	// Machine settings
	InstanceType   string   `json:"instance-type"`
	SubnetID       string   `json:"subnet-id"`
	SecurityGroups []string `json:"security-groups"`

	// Bucket holding every project's rendered output.
	Bucket string `json:"bucket"`
}
