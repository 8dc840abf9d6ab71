package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	appconfig "github.com/imrishuroy/go-cfn-custom-resource/internal/config"
)

// LoadAWSConfig builds the SDK config. An endpoint override routes every
// client to a local emulator.
func LoadAWSConfig(ctx context.Context, c appconfig.AWSConfig) (sdkaws.Config, error) {
	region := c.Region
	if region == "" {
		region = "us-east-1" // default fallback
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if c.EndpointOverride != "" {
		opts = append(opts, config.WithBaseEndpoint(c.EndpointOverride))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}
