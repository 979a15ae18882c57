package email

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
)

// TemplateElement is used by a renderer to identify the different parts of an email template.
type TemplateElement string

const (
	ElementSubject TemplateElement = "subject"
	ElementBody    TemplateElement = "body"
)

// dispatchTotal records the outcome of every dispatch attempt. The auth
// service swallows delivery errors on purpose, this counter is how a
// mail outage stays visible.
var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "authcore",
	Subsystem: "email",
	Name:      "dispatch_total",
	Help:      "Email dispatch outcomes per template.",
}, []string{"template", "outcome"})

// Renderer is responsible for rendering email templates.
type Renderer interface {
	Render(w io.Writer, name string, element TemplateElement, data any) error
}

// Sender is responsible for actually sending an email.
type Sender interface {
	Send(ctx context.Context, from, recipient Address, subject, body string) error
}

// Service renders templated messages and hands them to a Sender.
// Transient sender failures are retried with capped exponential backoff
// before the error is reported to the caller.
type Service struct {
	renderer Renderer
	sender   Sender
	from     Address

	// maxRetries is the number of re-attempts after the initial send.
	maxRetries uint64
	// retryBase is the initial backoff interval.
	retryBase time.Duration
}

func NewService(renderer Renderer, sender Sender, from Address) *Service {
	return &Service{
		renderer:   renderer,
		sender:     sender,
		from:       from,
		maxRetries: 2,
		retryBase:  200 * time.Millisecond,
	}
}

// SendMessage renders the named template with the provided data and sends
// the result to the recipient.
func (s *Service) SendMessage(ctx context.Context, name string, recipient Address, data any) error {
	subject, err := s.render(name, ElementSubject, data)
	if err != nil {
		return fmt.Errorf("failed to render subject of %q: %w", name, err)
	}

	body, err := s.render(name, ElementBody, data)
	if err != nil {
		return fmt.Errorf("failed to render body of %q: %w", name, err)
	}

	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		sendErr := s.sender.Send(ctx, s.from, recipient, subject, body)
		if sendErr != nil {
			return retry.RetryableError(sendErr)
		}
		return nil
	})

	if err != nil {
		dispatchTotal.WithLabelValues(name, "failure").Inc()
		return fmt.Errorf("failed to send %q: %w", name, err)
	}

	dispatchTotal.WithLabelValues(name, "success").Inc()

	return nil
}

func (s *Service) render(name string, element TemplateElement, data any) (string, error) {
	var b strings.Builder
	if err := s.renderer.Render(&b, name, element, data); err != nil {
		return "", err
	}

	return strings.TrimSpace(b.String()), nil
}
