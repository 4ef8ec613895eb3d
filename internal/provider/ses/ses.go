// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/mimecodec"
	"github.com/shineum/mailkit/internal/provider"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is used when a message has no From.
	Sender string

	// Codec renders the raw MIME content. Defaults to a codec without a
	// text renderer.
	Codec *mimecodec.Codec
}

// Provider sends mail via the AWS SES v2 API as raw MIME.
type Provider struct {
	sender string
	client SendEmailAPI
	codec  *mimecodec.Codec

	maxRetries int
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider from the default AWS configuration chain.
// Static keys override the chain when both are set.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.Codec, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, codec *mimecodec.Codec, client SendEmailAPI) *Provider {
	if codec == nil {
		codec = mimecodec.New(nil)
	}
	return &Provider{
		sender:     sender,
		client:     client,
		codec:      codec,
		maxRetries: provider.DefaultMaxRetries,
		retryDelay: provider.DefaultRetryDelay,
	}
}

// Send encodes msg and submits it as raw content. Envelope recipients are
// passed in Destination so Bcc never reaches the headers.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	msg = provider.WithSender(msg, p.sender)
	if msg.From == "" {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "SendEmail", "message has no sender")
	}
	if len(msg.Recipients()) == 0 {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "SendEmail", "message has no recipients")
	}

	enc, err := p.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	input := buildInput(msg, enc.Data)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", p.maxRetries,
			)
			delay := provider.Backoff(p.retryDelay, attempt-1)
			if err := provider.Sleep(ctx, delay); err != nil {
				return nil, mailerr.New(mailerr.KindCanceled, "SendEmail",
					fmt.Errorf("context cancelled during retry wait: %w", err))
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return &email.DeliveryReceipt{
				Status:     aws.ToString(out.MessageId),
				Provider:   p.Name(),
				MessageID:  enc.MessageID,
				Recipients: msg.Recipients(),
				Size:       len(enc.Data),
				Attached:   enc.Attached,
				Dropped:    enc.Dropped,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, mailerr.New(mailerr.KindCanceled, "SendEmail", fmt.Errorf("%w: %w", ctx.Err(), err))
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return nil, mailerr.New(mailerr.KindDelivery, "SendEmail",
		fmt.Errorf("SES API request failed after %d retries: %w", p.maxRetries, lastErr))
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func buildInput(msg *email.Message, raw []byte) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}
}
