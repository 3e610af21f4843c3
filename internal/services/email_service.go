package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"
)

// EmailSender delivers magic link emails
type EmailSender interface {
	SendMagicLink(ctx context.Context, email, token string, expiresAt time.Time) error
}

// SESAPI is the subset of the SES client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESEmailSender sends emails using AWS SES, paced to the account's send rate.
type SESEmailSender struct {
	client      SESAPI
	limiter     *rate.Limiter
	fromAddress string
	baseURL     string
	logger      *slog.Logger
}

// NewSESEmailSender loads the default AWS credential chain for region.
func NewSESEmailSender(ctx context.Context, region, fromAddress, baseURL string, ratePerSec float64, logger *slog.Logger) (*SESEmailSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESEmailSenderWithClient(ses.NewFromConfig(cfg), fromAddress, baseURL, ratePerSec, logger), nil
}

// NewSESEmailSenderWithClient wraps an existing client. A non-positive rate disables pacing.
func NewSESEmailSenderWithClient(client SESAPI, fromAddress, baseURL string, ratePerSec float64, logger *slog.Logger) *SESEmailSender {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &SESEmailSender{
		client:      client,
		limiter:     rate.NewLimiter(limit, 1),
		fromAddress: fromAddress,
		baseURL:     baseURL,
		logger:      logger,
	}
}

// SendMagicLink emails the redeem link for token.
func (s *SESEmailSender) SendMagicLink(ctx context.Context, email, token string, expiresAt time.Time) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email send rate wait: %w", err)
	}

	link := magicLinkURL(s.baseURL, token)
	minutes := int(time.Until(expiresAt).Round(time.Minute).Minutes())

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <h1>Sign in</h1>
    <p>Use the link below to sign in. It can be used once and expires in %d minutes.</p>
    <p><a href="%s">Sign in</a></p>
    <p>Or copy and paste this link in your browser:<br><code>%s</code></p>
    <p>If you did not request this email you can ignore it.</p>
</body>
</html>
`, minutes, link, link)

	textBody := fmt.Sprintf(`Sign in

Use the link below to sign in. It can be used once and expires in %d minutes.

%s

If you did not request this email you can ignore it.
`, minutes, link)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String("Your sign-in link")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send magic link email via SES",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("magic link email sent",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// LogEmailSender logs instead of sending. The token itself is never logged.
type LogEmailSender struct {
	logger *slog.Logger
}

func NewLogEmailSender(logger *slog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) SendMagicLink(ctx context.Context, email, token string, expiresAt time.Time) error {
	s.logger.InfoContext(ctx, "magic link email suppressed",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.Time("expires_at", expiresAt))
	return nil
}

func magicLinkURL(base, token string) string {
	return base + "/magic-link/redeem?token=" + url.QueryEscape(token)
}
