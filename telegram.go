package tweetwatch

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"
)

// TelegramNotifier sends notifications to a Telegram chat through a bot.
type TelegramNotifier struct {
	ChatID int64

	bot *tele.Bot
	log *zap.SugaredLogger
}

// NewTelegramNotifier returns a notifier sending as the bot identified by
// token. The bot is not started; it is only used to send.
func NewTelegramNotifier(token string, chatID int64, options ...func(*tele.Settings)) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram bot token must be specified")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat ID must be specified")
	}
	settings := tele.Settings{
		Token: token,
		// Skip the getMe round trip at construction.
		Offline: true,
	}
	for _, o := range options {
		o(&settings)
	}
	bot, err := tele.NewBot(settings)
	if err != nil {
		return nil, errors.Wrap(err, "error creating telegram bot")
	}
	return &TelegramNotifier{
		ChatID: chatID,
		bot:    bot,
		log:    zap.NewNop().Sugar(),
	}, nil
}

// WithTelegramAPIURL points the bot at a different Bot API server.
func WithTelegramAPIURL(url string) func(*tele.Settings) {
	return func(s *tele.Settings) {
		s.URL = url
	}
}

// SetLogger sets the *zap.SugaredLogger the notifier logs to.
func (tn *TelegramNotifier) SetLogger(logger *zap.SugaredLogger) {
	tn.log = logger
}

// Notify sends the message text to the chat. Link previews are disabled so
// the message stays compact.
func (tn *TelegramNotifier) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := tn.bot.Send(tele.ChatID(tn.ChatID), n.Text, tele.NoPreview)
	if err != nil {
		return errors.Wrap(err, "error sending telegram message")
	}
	tn.log.Debugw("sent telegram notification",
		"post_id", n.Post.ID,
		"chat_id", tn.ChatID,
		"message_id", msg.ID)
	return nil
}
