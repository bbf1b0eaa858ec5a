// Package telegram wraps the Bot API calls the bot and the download worker need.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMessageLength = 4096

// APIError carries the Bot API error code and description.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api: status %d: %s", e.Status, e.Body)
}

// Client sends and edits messages, resolves file URLs and long-polls updates.
type Client struct {
	bot         *tgbotapi.BotAPI
	logger      *slog.Logger
	pollTimeout int
}

// NewClient connects to the Bot API with token.
func NewClient(log *slog.Logger, token string, pollTimeout int) (*Client, error) {
	return newClient(log, pollTimeout, func() (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPI(token)
	})
}

// NewClientWithEndpoint connects through a custom Bot API endpoint of the
// form "https://host/bot%s/%s".
func NewClientWithEndpoint(log *slog.Logger, token, endpoint string, httpClient *http.Client, pollTimeout int) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return newClient(log, pollTimeout, func() (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	})
}

func newClient(log *slog.Logger, pollTimeout int, dial func() (*tgbotapi.BotAPI, error)) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("adapter", "telegram"))
	_ = tgbotapi.SetLogger(&slogBotLogger{log: logger})
	bot, err := dial()
	if err != nil {
		logger.Error("create bot failed", slog.Any("error", err))
		return nil, wrapAPIError(err)
	}
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &Client{bot: bot, logger: logger, pollTimeout: pollTimeout}, nil
}

// Username returns the bot's @username without the @.
func (c *Client) Username() string { return c.bot.Self.UserName }

// URL is the public t.me link to the bot.
func (c *Client) URL() string { return "https://t.me/" + c.bot.Self.UserName }

// SendOption customises an outgoing message.
type SendOption func(*tgbotapi.MessageConfig)

// WithKeyboard attaches a one-time reply keyboard, one button per row.
func WithKeyboard(buttons []string) SendOption {
	return func(m *tgbotapi.MessageConfig) {
		rows := make([][]tgbotapi.KeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(b)))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.OneTimeKeyboard = true
		kb.ResizeKeyboard = true
		m.ReplyMarkup = kb
	}
}

// WithRemoveKeyboard hides a previously shown reply keyboard.
func WithRemoveKeyboard() SendOption {
	return func(m *tgbotapi.MessageConfig) {
		m.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	}
}

// WithURLButton attaches an inline button opening url.
func WithURLButton(text, url string) SendOption {
	return func(m *tgbotapi.MessageConfig) {
		m.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(text, url)),
		)
	}
}

func WithHTML() SendOption {
	return func(m *tgbotapi.MessageConfig) {
		m.ParseMode = tgbotapi.ModeHTML
	}
}

// SendMessage sends text and returns the new message id for later edits.
func (c *Client) SendMessage(_ context.Context, chatID int64, text string, opts ...SendOption) (int, error) {
	msg := tgbotapi.NewMessage(chatID, truncateTelegramText(sanitizeTelegramText(text)))
	for _, opt := range opts {
		opt(&msg)
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, wrapAPIError(err)
	}
	return sent.MessageID, nil
}

// EditMessageText replaces the text of a sent message. "message is not
// modified" is not an error.
func (c *Client) EditMessageText(_ context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, truncateTelegramText(sanitizeTelegramText(text)))
	_, err := c.bot.Send(edit)
	if err != nil && isTelegramMessageNotModified(err) {
		return nil
	}
	return wrapAPIError(err)
}

// FileURL resolves a short-lived download URL for fileID.
func (c *Client) FileURL(_ context.Context, fileID string) (string, error) {
	if strings.TrimSpace(fileID) == "" {
		return "", fmt.Errorf("telegram file id is required")
	}
	url, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve telegram file url: %w", wrapAPIError(err))
	}
	return url, nil
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg Message) error

// Poll long-polls updates until ctx is done. Each message is handled in its
// own goroutine; no ordering is kept between messages.
func (c *Client) Poll(ctx context.Context, handler Handler) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = c.pollTimeout
	updates := c.bot.GetUpdatesChan(cfg)
	c.logger.Info("polling started", slog.String("bot", c.bot.Self.UserName))

	defer func() {
		c.bot.StopReceivingUpdates()
		// Drain so the library's polling goroutine can exit.
		for range updates {
		}
		c.logger.Info("polling stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := FromAPI(update.Message)
			if !ok {
				continue
			}
			c.logger.Info("inbound received",
				slog.Int64("chat_id", msg.ChatID),
				slog.Int64("user_id", msg.UserID),
				slog.String("kind", string(msg.Kind)),
			)
			go func() {
				if err := handler(ctx, msg); err != nil {
					c.logger.Error("handle inbound failed", slog.Int64("chat_id", msg.ChatID), slog.Any("error", err))
				}
			}()
		}
	}
}

func asTelegramError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := asTelegramError(err); ok {
		return &APIError{Status: apiErr.Code, Body: apiErr.Message}
	}
	return err
}

func isTelegramMessageNotModified(err error) bool {
	apiErr, ok := asTelegramError(err)
	return ok && apiErr.Code == 400 && strings.Contains(apiErr.Message, "message is not modified")
}

// sanitizeTelegramText drops invalid UTF-8 sequences.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText cuts text to the API limit on a rune boundary.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

// CommandInfo is one entry of the bot's command menu.
type CommandInfo struct {
	Name        string
	Description string
}

// SetCommands publishes the command menu shown by Telegram clients.
func (c *Client) SetCommands(_ context.Context, cmds []CommandInfo) error {
	list := make([]tgbotapi.BotCommand, 0, len(cmds))
	for _, cmd := range cmds {
		list = append(list, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	_, err := c.bot.Request(tgbotapi.NewSetMyCommands(list...))
	return wrapAPIError(err)
}
