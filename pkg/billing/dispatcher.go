package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/email"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Dispatcher sends the notification for an applied transition. It never
// returns an error: failures and panics are logged with the notification kind
// and dropped.
type Dispatcher struct {
	sender    email.Sender
	appName   string
	manageURL string
	timeout   time.Duration
	log       *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithAppName(name string) DispatcherOption {
	return func(d *Dispatcher) {
		if name != "" {
			d.appName = name
		}
	}
}

// WithManageURL sets the link used in emails that ask the user to act.
func WithManageURL(url string) DispatcherOption {
	return func(d *Dispatcher) { d.manageURL = url }
}

// WithSendTimeout bounds each send. Sends run detached from request
// cancellation so an acknowledged event still gets its email.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher creates a Dispatcher. A nil sender disables notifications.
func NewDispatcher(sender email.Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		appName: "Premium",
		timeout: 10 * time.Second,
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch must only be called after the state change for ev was persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, user *User, ev *Event, tr Transition) {
	kind, ok := Decide(ev, tr)
	if !ok {
		return
	}
	log := d.log.With(logger.Notification(string(kind)), logger.EventID(ev.ID), logger.UserID(user.ID))

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "notification panicked", "panic", fmt.Sprint(r))
		}
	}()

	if d.sender == nil {
		log.DebugContext(ctx, "notifications disabled, skipping")
		return
	}

	to := user.Email
	if to == "" {
		to = ev.Hints().Email
	}
	if to == "" {
		log.WarnContext(ctx, "no recipient for notification")
		return
	}

	data := messageData{
		AppName:        d.appName,
		ManageURL:      d.manageURL,
		EntitlementEnd: tr.EntitlementEnd,
	}
	if ev.Invoice != nil {
		data.Amount = ev.Invoice.AmountPaid
		data.Currency = ev.Invoice.Currency
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	subject, body := message(kind, data)
	html, err := email.Render(sendCtx, body)
	if err != nil {
		log.WarnContext(ctx, "failed to render notification", logger.Error(err))
		return
	}

	if err := d.sender.SendEmail(sendCtx, email.SendEmailParams{
		SendTo:   to,
		Subject:  subject,
		BodyHTML: html,
		Tag:      string(kind),
	}); err != nil {
		log.WarnContext(ctx, "failed to send notification", logger.Error(err))
		return
	}
	log.InfoContext(ctx, "notification sent")
}
