package channels

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramTokenRe matches tokens issued by @BotFather.
var telegramTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{35,}$`)

const minDiscordTokenLen = 50

// ValidateToken checks the token shape for a channel without network access.
func ValidateToken(channel, token string) error {
	switch channel {
	case Telegram:
		if !telegramTokenRe.MatchString(token) {
			return fmt.Errorf("%w: telegram tokens look like 123456:ABC... from @BotFather", ErrInvalidToken)
		}
	case Discord:
		if len(token) < minDiscordTokenLen {
			return fmt.Errorf("%w: discord bot token too short", ErrInvalidToken)
		}
	case WhatsApp:
		// Paired by QR code in the brain.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return nil
}

// TelegramVerifier confirms a bot token with the Bot API's getMe.
type TelegramVerifier struct {
	// Endpoint is the Bot API URL format; empty means tgbotapi.APIEndpoint.
	Endpoint string
	Client   *http.Client
}

func (TelegramVerifier) Name() string { return Telegram }

func (v TelegramVerifier) Verify(ctx context.Context, token string) (string, error) {
	endpoint := v.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	done := make(chan result, 1)
	go func() {
		// NewBotAPIWithClient calls getMe before returning.
		bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
		done <- result{bot, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%w: telegram rejected token: %v", ErrInvalidToken, r.err)
		}
		return r.bot.Self.UserName, nil
	}
}
