// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// AWSConfiguration selects region and credentials of the AWS sinks. Without
// AccessID the default credential chain is used.
type AWSConfiguration struct {
	Region    string
	AccessID  string
	AccessKey string
}

// LoadAWSConfig loads the AWS configuration for the S3 and SQS sinks
func LoadAWSConfig(ctx context.Context, c AWSConfiguration) (aws.Config, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, options...)
}
