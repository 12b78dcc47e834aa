// Package notify delivers job completion and failure notifications to
// configured webhook destinations.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Sender defines a notification delivery channel
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Params to make notification service
type Params struct {
	WebhookURLs       []string      // destinations, empty disables the service
	EnabledError      bool          // notify on failed jobs
	EnabledCompletion bool          // notify on completed jobs
	Timeout           time.Duration // per-destination delivery timeout
}

// Service delivers messages to all configured destinations
type Service struct {
	Params
	sender Sender
}

// NewService creates notification service with the webhook sender.
// Returns nil if no destinations configured.
func NewService(params Params) *Service {
	if len(params.WebhookURLs) == 0 {
		return nil
	}
	if params.Timeout == 0 {
		params.Timeout = 10 * time.Second
	}
	wh := notify.NewWebhook(notify.WebhookParams{
		Timeout: params.Timeout,
		Headers: []string{"Content-Type:application/json"},
	})
	return &Service{Params: params, sender: wh}
}

// Send delivers the message to all destinations, returns the first error
// after trying every one
func (s *Service) Send(ctx context.Context, subj, text string) error {
	payload, err := json.Marshal(map[string]string{"subject": subj, "text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	var firstErr error
	for _, dest := range s.WebhookURLs {
		log.Printf("[DEBUG] send notification %q to %s", subj, dest)
		if err := s.sender.Send(ctx, dest, string(payload)); err != nil {
			log.Printf("[WARN] failed to send notification to %s: %v", dest, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to notify %s: %w", dest, err)
			}
		}
	}
	return firstErr
}

// IsOnError reports whether failure notifications are enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion reports whether completion notifications are enabled
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }
