package email

import (
	"context"
	"sync"
)

// Email is a message captured by the MemorySender.
type Email struct {
	From      Address
	Recipient Address
	Subject   string
	Body      string
}

// MemorySender is a Sender that captures emails in memory. It's used in tests.
type MemorySender struct {
	mutex  sync.Mutex
	emails []Email

	// SendFunc is called for every send when set. It allows tests to
	// simulate delivery failures.
	SendFunc func(ctx context.Context, e Email) error
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (s *MemorySender) Send(ctx context.Context, from, recipient Address, subject, body string) error {
	e := Email{
		From:      from,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	}

	if s.SendFunc != nil {
		if err := s.SendFunc(ctx, e); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.emails = append(s.emails, e)
	return nil
}

// Emails returns a copy of the captured emails.
func (s *MemorySender) Emails() []Email {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Email, len(s.emails))
	copy(out, s.emails)
	return out
}
