package billing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"
)

// Notification is a transactional email kind.
type Notification string

const (
	NotifyWelcome         Notification = "welcome"
	NotifyTrialStarted    Notification = "trial_started"
	NotifyReceipt         Notification = "receipt"
	NotifyPaymentFailed   Notification = "payment_failed"
	NotifyRenewalReminder Notification = "renewal_reminder"
	NotifyTrialEnding     Notification = "trial_ending"
	NotifyCancellation    Notification = "cancellation"
)

// Decide picks the notification for an applied event, if any. Receipts are
// only sent for invoice.payment_succeeded: Stripe also emits invoice.paid for
// the same payment and one receipt per payment is enough.
func Decide(ev *Event, tr Transition) (Notification, bool) {
	if tr.Skipped {
		return "", false
	}
	switch ev.Type {
	case EventCheckoutCompleted:
		if !tr.To.Grants() {
			return "", false
		}
		if tr.To == EntitlementTrialing {
			return NotifyTrialStarted, true
		}
		return NotifyWelcome, true
	case EventInvoicePaymentSucceeded:
		if ev.Invoice != nil && ev.Invoice.AmountPaid > 0 {
			return NotifyReceipt, true
		}
	case EventInvoicePaymentFailed:
		return NotifyPaymentFailed, true
	case EventInvoiceUpcoming:
		return NotifyRenewalReminder, true
	case EventSubscriptionTrialWillEnd:
		return NotifyTrialEnding, true
	case EventSubscriptionDeleted:
		if tr.PreviousStatus != StatusCanceled {
			return NotifyCancellation, true
		}
	}
	return "", false
}

// messageData is what the email bodies can interpolate.
type messageData struct {
	AppName        string
	ManageURL      string
	EntitlementEnd *time.Time
	Amount         int64
	Currency       string
}

func (d messageData) until() string {
	if d.EntitlementEnd == nil {
		return "the end of your current period"
	}
	return d.EntitlementEnd.UTC().Format("January 2, 2006")
}

func (d messageData) amount() string {
	return fmt.Sprintf("%d.%02d %s", d.Amount/100, d.Amount%100, strings.ToUpper(d.Currency))
}

// message returns the subject and templ body for a notification kind.
func message(kind Notification, d messageData) (string, templ.Component) {
	switch kind {
	case NotifyTrialStarted:
		return "Your " + d.AppName + " trial has started", layout(d, "Your trial has started",
			paragraph("You have full access to "+d.AppName+" until "+d.until()+"."),
			paragraph("We will remind you before the trial ends."))
	case NotifyReceipt:
		return "Your " + d.AppName + " receipt", layout(d, "Payment received",
			paragraph("We received your payment of "+d.amount()+". Thank you!"))
	case NotifyPaymentFailed:
		return "Action needed: your " + d.AppName + " payment failed", layout(d, "Your payment failed",
			paragraph("We could not charge your payment method. Please update it to keep your access."),
			button(d.ManageURL, "Update payment method"))
	case NotifyRenewalReminder:
		return "Your " + d.AppName + " subscription renews soon", layout(d, "Upcoming renewal",
			paragraph("Your subscription renews soon. No action is needed if your payment details are current."),
			button(d.ManageURL, "Manage subscription"))
	case NotifyTrialEnding:
		return "Your " + d.AppName + " trial ends soon", layout(d, "Your trial ends soon",
			paragraph("Your trial ends on "+d.until()+". Your subscription starts automatically afterwards."),
			button(d.ManageURL, "Manage subscription"))
	case NotifyCancellation:
		return "Your " + d.AppName + " subscription was canceled", layout(d, "Subscription canceled",
			paragraph("Your subscription has been canceled and premium access has ended."),
			paragraph("You can subscribe again at any time."))
	default:
		return "Welcome to " + d.AppName, layout(d, "Welcome aboard",
			paragraph("Your subscription is active. Enjoy "+d.AppName+"!"),
			button(d.ManageURL, "Manage subscription"))
	}
}

func layout(d messageData, title string, blocks ...templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html><body style="font-family:sans-serif;max-width:560px;margin:0 auto">`+
			`<h1 style="font-size:20px">`+templ.EscapeString(title)+`</h1>`); err != nil {
			return err
		}
		for _, b := range blocks {
			if err := b.Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `<p style="color:#888;font-size:12px">`+templ.EscapeString(d.AppName)+`</p></body></html>`)
		return err
	})
}

func paragraph(text string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<p>"+templ.EscapeString(text)+"</p>")
		return err
	})
}

func button(href, label string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if href == "" {
			return nil
		}
		_, err := io.WriteString(w, `<p><a href="`+templ.EscapeString(string(templ.URL(href)))+`">`+templ.EscapeString(label)+`</a></p>`)
		return err
	})
}
