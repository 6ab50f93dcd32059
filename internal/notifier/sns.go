package notifier

import (
	"context"
	"strings"

	"changeobserver/internal/cloud"
	"changeobserver/internal/fault"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const ChannelEmail = "email"

// PublishAPI is the slice of the SNS client the sender needs.
type PublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender publishes to a topic with an "email" message attribute so a
// subscription filter policy routes the message to one subscriber.
type SNSSender struct {
	topicARN string
	api      func(ctx context.Context) (PublishAPI, error)
}

func NewSNSSender(topicARN string, sess *cloud.Session) (*SNSSender, error) {
	if sess == nil {
		return nil, fault.Configurationf("notifier.sns", "aws session is required")
	}
	return NewSNSSenderWithAPI(topicARN, func(ctx context.Context) (PublishAPI, error) {
		return sess.SNS(ctx)
	})
}

func NewSNSSenderWithAPI(topicARN string, api func(ctx context.Context) (PublishAPI, error)) (*SNSSender, error) {
	if strings.TrimSpace(topicARN) == "" {
		return nil, fault.Configurationf("notifier.sns", "topic arn is required")
	}
	return &SNSSender{topicARN: topicARN, api: api}, nil
}

func (s *SNSSender) Channel() string { return ChannelEmail }

func (s *SNSSender) Send(ctx context.Context, n Notification) error {
	client, err := s.api(ctx)
	if err != nil {
		return fault.Dependency("notifier.sns", err)
	}
	_, err = client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(n.Text),
		Subject:  aws.String(n.Subject),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"email": {DataType: aws.String("String"), StringValue: aws.String(n.Recipient)},
		},
	})
	if err != nil {
		return fault.Dependency("notifier.sns", err)
	}
	return nil
}
