// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
)

// SQSClient is the subset of sqs.Client used by the SQSSink
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends every record as message to a queue. The gateway uses it for
// liveness alerts.
type SQSSink struct {
	client   SQSClient
	queueURL string
}

// NewSQSSink returns a sink which sends to the queue
func NewSQSSink(cfg aws.Config, queueURL string) (*SQSSink, error) {
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL)
}

// NewSQSSinkWithClient returns a sink on top of an existing client
func NewSQSSinkWithClient(client SQSClient, queueURL string) (*SQSSink, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("queue url must not be empty")
	}
	return &SQSSink{client: client, queueURL: queueURL}, nil
}

// Write implements Sink
func (s *SQSSink) Write(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cannot marshal record: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"deviceId": {DataType: aws.String("String"), StringValue: aws.String(r.DeviceID)},
			"kind":     {DataType: aws.String("String"), StringValue: aws.String(string(r.Kind))},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot send record of %s to sqs: %w", r.DeviceID, err)
	}
	return nil
}
