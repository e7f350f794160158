package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/campus/internal/db"
)

const mailtoPrefix = "mailto:"

// EmailClient is the part of *ses.Client the sender uses.
type EmailClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender emails the event to webhook configs with a mailto: target.
type SESSender struct {
	client EmailClient
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func newSESSender(client EmailClient, from string, logger *zap.Logger) *SESSender {
	return &SESSender{
		client: client,
		from:   from,
		logger: logger,
	}
}

func (s *SESSender) Send(ctx context.Context, attempt *db.Attempt) (*db.AttemptResult, error) {
	to := strings.TrimPrefix(attempt.Config.TargetURL, mailtoPrefix)
	if to == "" {
		return nil, fmt.Errorf("mailto target has no address")
	}

	body, err := json.MarshalIndent(attempt.Event.Envelope(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to format email body: %w", err)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String("[campus] " + attempt.Event.EventType),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(string(body)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("webhook event emailed via SES",
		zap.String("delivery_id", attempt.Delivery.ID),
		zap.String("to", to),
		zap.String("message_id", messageID),
	)

	return &db.AttemptResult{StatusCode: 200, ResponseBody: messageID}, nil
}

func (s *SESSender) SupportsTarget(target string) bool {
	return strings.HasPrefix(target, mailtoPrefix)
}
