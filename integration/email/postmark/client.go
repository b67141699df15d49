package postmark

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mrz1836/postmark"

	"github.com/sslup/sslup/core/renewal"
	"github.com/sslup/sslup/core/store"
)

// Config holds Postmark delivery configuration. Both tokens are required so
// a misconfigured deployment fails at startup instead of dropping mail
// silently.
type Config struct {
	ServerToken   string `env:"POSTMARK_SERVER_TOKEN,required"`
	AccountToken  string `env:"POSTMARK_ACCOUNT_TOKEN,required"`
	SenderEmail   string `env:"SENDER_EMAIL,required"`
	MessageStream string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
}

var (
	ErrInvalidConfig     = errors.New("postmark: invalid configuration")
	ErrFailedToSendEmail = errors.New("postmark: failed to send email")
)

// Client sends lifecycle notifications. It satisfies both the renewal
// engine's and the fleet service's Notifier interfaces.
type Client struct {
	client *postmark.Client
	config Config
}

// New creates a Postmark-backed notifier.
func New(cfg Config) (*Client, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: ServerToken is required", ErrInvalidConfig)
	}
	if cfg.AccountToken == "" {
		return nil, fmt.Errorf("%w: AccountToken is required", ErrInvalidConfig)
	}
	if !isValidEmail(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	return &Client{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

// RenewalSucceeded reports the certificates renewed in one sweep.
func (c *Client) RenewalSucceeded(ctx context.Context, user store.User, certs []store.Certificate) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s,\n\n", greeting(user))
	fmt.Fprintf(&b, "the following certificates were renewed:\n\n")
	for _, cert := range certs {
		fmt.Fprintf(&b, "  - %s (valid until %s)\n", cert.CommonName, cert.ExpiresAt.Format("2006-01-02"))
	}
	return c.send(ctx, user.Email, "Certificates renewed", b.String())
}

// RenewalFailed reports the certificates that could not be renewed.
// Retryable failures are worded as deferred rather than broken.
func (c *Client) RenewalFailed(ctx context.Context, user store.User, failures []renewal.Failure) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s,\n\n", greeting(user))
	fmt.Fprintf(&b, "the following certificates could not be renewed:\n\n")
	for _, failure := range failures {
		fmt.Fprintf(&b, "  - %s: %s\n", failure.Certificate.CommonName, failure.Reason)
	}
	return c.send(ctx, user.Email, "Certificate renewal failed", b.String())
}

// AgentOffline reports an agent whose downtime crossed a notification
// threshold.
func (c *Client) AgentOffline(ctx context.Context, user store.User, agent store.Agent, downtime time.Duration) error {
	body := fmt.Sprintf("%s,\n\nagent %q has been offline for %s.\nLast seen: %s\n",
		greeting(user), agent.Name, downtime.Round(time.Minute), agent.LastSeen.Format(time.RFC1123))
	return c.send(ctx, user.Email, fmt.Sprintf("Agent %s is offline", agent.Name), body)
}

// AgentError forwards an error an agent reported about itself.
func (c *Client) AgentError(ctx context.Context, user store.User, agent store.Agent, message string) error {
	body := fmt.Sprintf("%s,\n\nagent %q reported an error:\n\n  %s\n",
		greeting(user), agent.Name, message)
	return c.send(ctx, user.Email, fmt.Sprintf("Agent %s reported an error", agent.Name), body)
}

func (c *Client) send(ctx context.Context, to, subject, body string) error {
	resp, err := c.client.SendEmail(ctx, postmark.Email{
		From:          c.config.SenderEmail,
		To:            to,
		Subject:       subject,
		TextBody:      body,
		MessageStream: c.config.MessageStream,
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func greeting(user store.User) string {
	if user.FullName != "" {
		return "Hello " + user.FullName
	}
	return "Hello"
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}
