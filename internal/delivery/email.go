package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"golang.org/x/time/rate"

	"enforcer/internal/config"
	"enforcer/internal/logging"
	"enforcer/internal/services"
)

const sendEndpoint = "/v3/mail/send"

// EmailChannel delivers notices through the SendGrid v3 mail API. Sends are
// paced by a token bucket shared by every dispatch on the channel.
type EmailChannel struct {
	client   *sendgrid.Client
	from     *mail.Email
	limiter  *rate.Limiter
	logger   *slog.Logger
	bodyType string
}

// NewEmailChannel builds the channel from the email config section.
func NewEmailChannel(cfg config.Email, logger *slog.Logger) (*EmailChannel, error) {
	if !cfg.Enabled() {
		return nil, services.Wrap(services.ErrConfiguration, "delivery", "email", "sendgrid api key and from address are required", nil)
	}
	request := sendgrid.GetRequest(cfg.SendGridAPIKey, sendEndpoint, cfg.BaseURL)
	request.Method = http.MethodPost
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EmailChannel{
		client:   &sendgrid.Client{Request: request},
		from:     mail.NewEmail(cfg.FromName, cfg.FromAddress),
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst),
		logger:   logging.NewComponentLogger(logger, "email"),
		bodyType: "text/plain",
	}, nil
}

// Dispatch implements Dispatcher.
func (c *EmailChannel) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	recipient := strings.TrimSpace(req.Item.Target.Recipient)
	if !strings.Contains(recipient, "@") {
		return Outcome{}, services.Wrap(services.ErrPermanent, "delivery", "email",
			fmt.Sprintf("invalid recipient %q", recipient), nil)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Outcome{}, services.Wrap(services.ErrTimeout, "delivery", "email", "send rate wait aborted", err)
	}

	message := mail.NewV3Mail()
	message.SetFrom(c.from)
	message.Subject = req.Notice.Subject
	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(req.Item.Target.Name, recipient))
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent(c.bodyType, req.Notice.Body))
	message.SetHeader("X-Enforcer-Queue-Item", req.Item.ID)

	response, err := c.client.SendWithContext(ctx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, services.Wrap(services.ErrTimeout, "delivery", "email", "sendgrid call timed out", err)
		}
		return Outcome{}, services.Wrap(services.ErrTransient, "delivery", "email", "sendgrid call failed", err)
	}
	if err := ClassifyStatus(response.StatusCode, response.Body); err != nil {
		return Outcome{}, err
	}

	messageID := headerValue(response.Headers, "X-Message-Id")
	c.logger.Info("notice emailed",
		logging.String(logging.FieldQueueItemID, req.Item.ID),
		logging.String("recipient", recipient),
		logging.String("provider_message_id", messageID),
		logging.String(logging.FieldEventType, "notice_emailed"),
	)
	return Outcome{Kind: OutcomeDelivered, ProviderMessageID: messageID}, nil
}

func headerValue(headers map[string][]string, key string) string {
	for name, values := range headers {
		if strings.EqualFold(name, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
