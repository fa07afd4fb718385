package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// DevSender writes each message to dir as an .html body plus a .json envelope.
type DevSender struct {
	dir string
	seq atomic.Uint64
}

func NewDevSender(dir string) *DevSender {
	return &DevSender{dir: dir}
}

type devEnvelope struct {
	Timestamp string `json:"timestamp"`
	SendTo    string `json:"send_to"`
	Subject   string `json:"subject"`
	Tag       string `json:"tag,omitempty"`
}

func (d *DevSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %w", ErrFailedToSendEmail, err)
	}

	now := time.Now()
	name := params.Tag
	if name == "" {
		name = params.Subject
	}
	base := fmt.Sprintf("%s_%04d_%s", now.Format("20060102_150405"), d.seq.Add(1)%10000, fileSafe(name))

	if err := os.WriteFile(filepath.Join(d.dir, base+".html"), []byte(params.BodyHTML), 0o644); err != nil {
		return fmt.Errorf("%w: write body: %w", ErrFailedToSendEmail, err)
	}

	envelope, err := json.MarshalIndent(devEnvelope{
		Timestamp: now.Format(time.RFC3339),
		SendTo:    params.SendTo,
		Subject:   params.Subject,
		Tag:       params.Tag,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %w", ErrFailedToSendEmail, err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, base+".json"), envelope, 0o644); err != nil {
		return fmt.Errorf("%w: write envelope: %w", ErrFailedToSendEmail, err)
	}
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9\-_.]`)

func fileSafe(s string) string {
	s = unsafeFileChars.ReplaceAllString(strings.ReplaceAll(strings.ToLower(s), " ", "_"), "")
	if len(s) > 80 {
		s = s[:80]
	}
	if s == "" {
		return "email"
	}
	return s
}
