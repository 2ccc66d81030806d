package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"taskward/internal/types"
)

// SESAPI defines the subset of the SES v2 client used by SESSender.
// Extracted for testability so tests can provide a mock implementation.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSenderConfig holds the configuration for creating an SESSender.
type SESSenderConfig struct {
	// FromAddress and FromName identify the sender. FromAddress is
	// required; a missing value is a configuration error surfaced at
	// wiring time rather than on first send.
	FromAddress string
	FromName    string
	// ConfigSetName is the SES configuration set name for delivery
	// tracking. Optional; if empty, no configuration set is used.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESSender implements EmailProvider using AWS SES v2, sending plain-text
// digest messages. Authentication is handled via IAM roles; the AWS SDK
// provides built-in retry logic, so no BaseClient wrapper is needed.
type SESSender struct {
	api           SESAPI
	fromAddress   string
	fromName      string
	configSetName string
	logger        *slog.Logger
}

// NewSESSender creates a new SESSender from an AWS config. It returns a
// configuration error if the sender address is missing.
func NewSESSender(awsCfg aws.Config, cfg SESSenderConfig) (*SESSender, error) {
	return newSESSender(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESSenderWithAPI creates an SESSender with a pre-configured SESAPI.
// Useful for testing with a mock SES interface.
func NewSESSenderWithAPI(api SESAPI, cfg SESSenderConfig) (*SESSender, error) {
	return newSESSender(api, cfg)
}

func newSESSender(api SESAPI, cfg SESSenderConfig) (*SESSender, error) {
	if cfg.FromAddress == "" {
		return nil, types.NewAppError(types.ErrCodeConfigMissing,
			"email sender address is required", nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SESSender{
		api:           api,
		fromAddress:   cfg.FromAddress,
		fromName:      cfg.FromName,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}, nil
}

// SendText transmits a plain-text email using SES v2 SendEmail with simple
// content and returns the SES message ID.
//
// Error mapping:
//   - MessageRejected → ErrCodeEmailBlocked
//   - TooManyRequestsException → ErrCodeUpstreamRateLimited
//   - SendingPausedException → ErrCodeUpstreamEmailProvider
//   - Other → ErrCodeUpstreamEmailProvider
func (s *SESSender) SendText(ctx context.Context, input types.SendTextInput) (string, error) {
	fromAddr := s.fromAddress
	if s.fromName != "" {
		fromAddr = fmt.Sprintf("%s <%s>", s.fromName, s.fromAddress)
	}

	emailInput := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddr),
		Destination: &sestypes.Destination{
			ToAddresses: []string{input.To},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{
					Data:    aws.String(input.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &sestypes.Body{
					Text: &sestypes.Content{
						Data:    aws.String(input.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	if s.configSetName != "" {
		emailInput.ConfigurationSetName = aws.String(s.configSetName)
	}

	result, err := s.api.SendEmail(ctx, emailInput)
	if err != nil {
		return "", mapSESError(err)
	}

	msgID := ""
	if result.MessageId != nil {
		msgID = *result.MessageId
	}

	return msgID, nil
}

// mapSESError translates AWS SES errors into domain AppErrors.
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(
			types.ErrCodeEmailBlocked,
			fmt.Sprintf("SES rejected message: %v", err),
			err,
		)
	}

	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("SES rate limit exceeded: %v", err),
			err,
		)
	}

	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SES account sending paused: %v", err),
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("SES error: %v", err),
		err,
	)
}

// Compile-time assertion that SESSender satisfies EmailProvider.
var _ EmailProvider = (*SESSender)(nil)
