package notify

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/smartprice/price-watcher/internal/models"
)

// TelegramChannel delivers alerts to a Telegram chat. The channel address
// is the numeric chat id.
type TelegramChannel struct {
	bot *tgbotapi.BotAPI
}

var _ Channel = (*TelegramChannel)(nil)

// NewTelegramChannel creates a channel from a bot token.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

func (c *TelegramChannel) Kind() models.ChannelKind { return models.ChannelTelegram }

// Send posts the notification body to the chat in cfg. An unparseable chat
// id is permanent; API errors are treated as transient.
func (c *TelegramChannel) Send(ctx context.Context, cfg models.ChannelConfig, n Notification) error {
	chatID, err := strconv.ParseInt(cfg.Address, 10, 64)
	if err != nil {
		return deliveryError(n.TargetID, true, fmt.Errorf("invalid telegram chat id %q: %w", cfg.Address, err))
	}

	msg := tgbotapi.NewMessage(chatID, n.Body())
	if _, err := c.bot.Send(msg); err != nil {
		return deliveryError(n.TargetID, false, fmt.Errorf("failed to send telegram message: %w", err))
	}
	return nil
}
