package marker

import (
	"regexp"
	"strings"

	"changeobserver/internal/fault"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// ValidateEmail checks the local@domain.tld shape of a subscriber address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fault.Validationf("email", "invalid email address %q", email)
	}
	return nil
}

// Subscribe adds email to the subscriber list. Adding an existing address is a no-op.
func (m *Marker) Subscribe(email string) error {
	email = strings.TrimSpace(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	for _, e := range m.SubscribedEmails {
		if strings.EqualFold(e, email) {
			return nil
		}
	}
	m.SubscribedEmails = append(m.SubscribedEmails, email)
	return nil
}

// Unsubscribe removes email and reports whether it was present.
func (m *Marker) Unsubscribe(email string) bool {
	email = strings.TrimSpace(email)
	for i, e := range m.SubscribedEmails {
		if strings.EqualFold(e, email) {
			m.SubscribedEmails = append(m.SubscribedEmails[:i:i], m.SubscribedEmails[i+1:]...)
			return true
		}
	}
	return false
}
