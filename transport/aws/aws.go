// Package aws provides the AWS SNS/SQS broker adapter of the event bus.
// Channels map onto SNS topics; every consumer group gets its own SQS queue
// subscribed to the topic.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/bookinggate/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// QueueLister is the slice of the SQS API used by the health probe.
type QueueLister interface {
	ListQueues(ctx context.Context, params *amazonsqs.ListQueuesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ListQueuesOutput, error)
}

// SQSClientFactory allows overriding the probe client for testing.
var SQSClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) QueueLister {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	endpoint, err := resolveEndpoint(cfg, awsCfg)
	if err != nil {
		return transport.Transport{}, err
	}
	snsOpts, sqsOpts := endpointOptions(endpoint)

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	logger.Info("Creating AWS transport", watermill.LogFields{
		"accountID":       accountID,
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return transport.Transport{}, err
	}
	topics := channelTopicResolver{inner: resolver}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topics,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	// SQS queues cannot auto-delete, so an ephemeral group keeps its queue;
	// a stable group name is what keeps the queue count bounded.
	newSubscriber := func(group string, _ transport.GroupOptions) (message.Subscriber, error) {
		return SubscriberFactory(
			sns.SubscriberConfig{
				AWSConfig:            awsCfg,
				OptFns:               snsOpts,
				TopicResolver:        topics,
				GenerateSqsQueueName: queueNameGenerator(group),
			},
			sqs.SubscriberConfig{
				AWSConfig: awsCfg,
				OptFns:    sqsOpts,
			},
			logger,
		)
	}

	subscriber, err := newSubscriber(cfg.GetServiceName(), transport.GroupOptions{})
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:       publisher,
		Subscriber:      subscriber,
		GroupSubscriber: newSubscriber,
		Probe: func(ctx context.Context) error {
			_, err := SQSClientFactory(awsCfg, sqsOpts...).ListQueues(ctx, &amazonsqs.ListQueuesInput{
				MaxResults: aws.Int32(1),
			})
			return err
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// resolveEndpoint prefers the configured endpoint over one picked up by the
// SDK from its environment.
func resolveEndpoint(cfg transport.Config, awsCfg aws.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" && awsCfg.BaseEndpoint != nil {
		raw = *awsCfg.BaseEndpoint
	}
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsed, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	resolved := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: resolved}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: resolved}),
		}
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("AWS account ID missing or invalid; using LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

// SNS topic and SQS queue names allow only alphanumerics, hyphens and
// underscores, while bus channels are dotted ("resources.query.getById").
func awsName(channel string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, channel)
}

type channelTopicResolver struct {
	inner sns.TopicResolver
}

func (r channelTopicResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, awsName(topic))
}

func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		if group == "" {
			return string(topic), nil
		}
		return string(topic) + "-" + awsName(group), nil
	}
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
