package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caseflow/internal/domain"
)

// Error is a per-action dispatch failure. It is recoverable: the execution
// engine counts and records it but keeps processing the matched set.
type Error struct {
	CaseID  string
	Channel string
	Cause   error
}

func (e Error) Error() string {
	return fmt.Sprintf("dispatch %s for case %s: %v", e.Channel, e.CaseID, e.Cause)
}

func (e Error) Unwrap() error { return e.Cause }

// TemplateResolver renders message content for a template reference and
// case. External boundary: implemented by the template service.
type TemplateResolver interface {
	Resolve(ctx context.Context, templateRef string, c domain.Case) (string, error)
}

// Sender delivers rendered content on a channel. External boundary:
// implemented by the communication dispatch service.
type Sender interface {
	Send(ctx context.Context, channel, recipient, content string) error
}

// Config carries adapter settings explicitly; the adapter reads no ambient
// state.
type Config struct {
	Timeout time.Duration
}

// Adapter composes template resolution and delivery under a per-call
// timeout, the only blocking step in an execution.
type Adapter struct {
	Templates TemplateResolver
	Sender    Sender
	Config    Config
}

func (a Adapter) timeout() time.Duration {
	if a.Config.Timeout > 0 {
		return a.Config.Timeout
	}
	return 10 * time.Second
}

// Dispatch resolves and sends one action for one case. Any failure is
// wrapped as a dispatch Error.
func (a Adapter) Dispatch(ctx context.Context, action domain.StrategyAction, c domain.Case) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()

	content, err := a.Templates.Resolve(ctx, action.TemplateRef, c)
	if err != nil {
		return Error{CaseID: c.ID, Channel: action.Channel, Cause: fmt.Errorf("resolve template %s: %w", action.TemplateRef, err)}
	}
	recipient, err := recipientFor(action.Channel, c)
	if err != nil {
		return Error{CaseID: c.ID, Channel: action.Channel, Cause: err}
	}
	if err := a.Sender.Send(ctx, action.Channel, recipient, content); err != nil {
		return Error{CaseID: c.ID, Channel: action.Channel, Cause: err}
	}
	return nil
}

func recipientFor(channel string, c domain.Case) (string, error) {
	switch channel {
	case domain.ChannelSMS, domain.ChannelWhatsApp, domain.ChannelIVR:
		if c.Phone == "" {
			return "", fmt.Errorf("case has no phone number")
		}
		return c.Phone, nil
	case domain.ChannelEmail:
		if c.Email == "" {
			return "", fmt.Errorf("case has no email address")
		}
		return c.Email, nil
	case domain.ChannelNotice:
		// notices are generated against the case itself
		return c.ID, nil
	default:
		return "", fmt.Errorf("unknown channel %s", channel)
	}
}

// StaticTemplates resolves template references from an in-memory map,
// falling back to the reference itself. Serves dev and CLI runs.
type StaticTemplates struct {
	Content map[string]string
}

func (s StaticTemplates) Resolve(_ context.Context, templateRef string, c domain.Case) (string, error) {
	if body, ok := s.Content[templateRef]; ok {
		return body, nil
	}
	return fmt.Sprintf("[%s] %s", templateRef, c.CustomerName), nil
}

// LogSender logs sends instead of delivering them. Serves dev and CLI runs.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, channel, recipient, content string) error {
	s.Log.Info().
		Str("channel", channel).
		Str("recipient", recipient).
		Int("content_len", len(content)).
		Msg("dispatch send")
	return nil
}
