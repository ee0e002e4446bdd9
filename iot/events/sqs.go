package events

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
)

// SQSAPI is the part of the SQS client used by SQSSink
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends events to an SQS queue
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// NewSQSSink returns a sink sending to queueURL
func NewSQSSink(cfg aws.Config, queueURL string) *SQSSink {
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), queueURL)
}

// NewSQSSinkWithClient returns a sink using client
func NewSQSSinkWithClient(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Emit implements Sink
func (s *SQSSink) Emit(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.Type),
			},
		},
	})
	return err
}

// Close implements Sink
func (s *SQSSink) Close() error { return nil }
