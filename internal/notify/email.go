package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/smartprice/price-watcher/internal/models"
	"gopkg.in/gomail.v2"
)

// EmailChannel delivers alerts over SMTP.
type EmailChannel struct {
	host     string
	port     int
	username string
	password string
}

var _ Channel = (*EmailChannel)(nil)

// NewEmailChannel creates an SMTP-backed channel.
func NewEmailChannel(host string, port int, username, password string) *EmailChannel {
	return &EmailChannel{host: host, port: port, username: username, password: password}
}

func (c *EmailChannel) Kind() models.ChannelKind { return models.ChannelEmail }

// Send mails the notification to the address in cfg. A malformed address is
// permanent; SMTP transport errors are transient and retried upstream.
func (c *EmailChannel) Send(ctx context.Context, cfg models.ChannelConfig, n Notification) error {
	if !strings.Contains(cfg.Address, "@") {
		return deliveryError(n.TargetID, true, fmt.Errorf("invalid email address %q", cfg.Address))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.username)
	m.SetHeader("To", cfg.Address)
	m.SetHeader("Subject", n.Subject())
	m.SetBody("text/plain", n.Body())

	d := gomail.NewDialer(c.host, c.port, c.username, c.password)
	if err := d.DialAndSend(m); err != nil {
		return deliveryError(n.TargetID, false, fmt.Errorf("failed to send email: %w", err))
	}
	return nil
}
