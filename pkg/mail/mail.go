package mail

import (
	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"
)

type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send delivers a plain-text notice to a single recipient.
func (s *Sender) Send(to, subject, body string) error {
	if s.Host == "" || s.From == "" || to == "" {
		return errors.New("mail: sender not configured")
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	if err := d.DialAndSend(m); err != nil {
		return errors.Wrap(err, "mail: send failed")
	}
	return nil
}
