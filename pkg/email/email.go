// Package email sends the transactional emails triggered by billing events.
// Production traffic goes through Postmark; development writes messages to
// disk so they can be inspected in a browser.
package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/a-h/templ"
)

var (
	ErrFailedToSendEmail = errors.New("email: failed to send")
	ErrInvalidConfig     = errors.New("email: invalid config")
	ErrInvalidMessage    = errors.New("email: invalid message")
)

// Config holds email transport configuration. Postmark tokens are optional so
// development can run without a provider account.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@localhost.dev"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@localhost.dev"`
	DevOutputDir         string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}

// Sender sends a single email. Implementations must be safe for concurrent use.
type Sender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// SendEmailParams describes one outbound email.
type SendEmailParams struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	Tag      string `json:"tag,omitempty"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Validate checks that the message can be handed to a transport.
func (p SendEmailParams) Validate() error {
	switch {
	case strings.TrimSpace(p.SendTo) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	case !emailRegex.MatchString(p.SendTo):
		return fmt.Errorf("%w: recipient must be a valid email address", ErrInvalidMessage)
	case strings.TrimSpace(p.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	case strings.TrimSpace(p.BodyHTML) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	return nil
}

// Render renders a templ component into an HTML string.
func Render(ctx context.Context, c templ.Component) (string, error) {
	var sb strings.Builder
	if err := c.Render(ctx, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}
