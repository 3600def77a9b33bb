package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"printerbot/internal/domain"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram implements domain.Channel for a Telegram bot using long polling.
type Telegram struct {
	token        string
	apiEndpoint  string
	fileEndpoint string
	allow        allowList
	parseMode    string

	bot    *tgbotapi.BotAPI
	rest   *resty.Client
	logger *slog.Logger
}

type TelegramConfig struct {
	Token        string
	AllowFrom    []string // user IDs or usernames (empty = allow all)
	ParseMode    string
	APIEndpoint  string // defaults to tgbotapi.APIEndpoint; set for a self-hosted Bot API server
	FileEndpoint string // defaults to tgbotapi.FileEndpoint
	Logger       *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:        cfg.Token,
		apiEndpoint:  cfg.APIEndpoint,
		fileEndpoint: cfg.FileEndpoint,
		allow:        newAllowList(cfg.AllowFrom),
		parseMode:    cfg.ParseMode,
		rest:         resty.New(),
		logger:       cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// connect creates the bot API client if needed.
func (t *Telegram) connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	return nil
}

// Start connects to Telegram and polls for updates. Messages are handled one
// at a time in arrival order.
func (t *Telegram) Start(ctx context.Context, handler domain.MessageHandler) error {
	if err := t.connect(); err != nil {
		return err
	}
	t.logger.Info("telegram bot connected",
		"username", t.bot.Self.UserName,
		"id", t.bot.Self.ID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update, handler)
		}
	}
}

// Stop is a no-op; StopReceivingUpdates runs when Start's context is
// cancelled and panics if called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update, handler domain.MessageHandler) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	if m.From.IsBot && t.bot != nil && m.From.ID == t.bot.Self.ID {
		return
	}

	userID := m.From.ID
	chatID := m.Chat.ID

	if !t.allow.allows(strconv.FormatInt(userID, 10), m.From.UserName) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", m.From.UserName,
		)
		t.sendMessage(chatID, 0, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	if m.IsCommand() && t.handleCommand(chatID, m) {
		return
	}

	msg := telegramInbound(m)
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"files", len(msg.Attachments),
	)

	if t.bot != nil {
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}
	handler.OnMessage(ctx, msg)
}

// telegramInbound converts a Telegram message. Messages carrying a document or
// photo get an attachment list; plain text messages have none.
func telegramInbound(m *tgbotapi.Message) domain.InboundMessage {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	msg := domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
		Content:   strings.TrimSpace(text),
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
	}
	if m.ReplyToMessage != nil {
		msg.ThreadID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	if m.Document != nil {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			ID:        m.Document.FileID,
			Name:      m.Document.FileName,
			Extension: fileExtension(m.Document.FileName, mimeExtension(m.Document.MimeType)),
		})
	}
	if len(m.Photo) > 0 {
		// Sizes are ordered smallest first.
		largest := m.Photo[len(m.Photo)-1]
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			ID:        largest.FileID,
			Name:      "photo_" + strconv.Itoa(m.MessageID) + ".jpg",
			Extension: "jpg",
		})
	}
	return msg
}

func mimeExtension(mime string) string {
	_, sub, ok := strings.Cut(mime, "/")
	if !ok {
		return ""
	}
	switch sub {
	case "jpeg":
		return "jpg"
	case "plain":
		return "txt"
	}
	return sub
}

// handleCommand answers bot commands. It reports false for commands that
// should go to the message handler.
func (t *Telegram) handleCommand(chatID int64, m *tgbotapi.Message) bool {
	switch m.Command() {
	case "start", "help":
		t.sendMessage(chatID, 0, "Send me a document or photo and I'll print it.\n\nCommands:\n/scan - Scan a page and send it back\n/status - Bot status\n/help - Show this message")
		return true
	case "status":
		username := ""
		if t.bot != nil {
			username = t.bot.Self.UserName
		}
		t.sendMessage(chatID, 0, fmt.Sprintf("printerbot\n\nBot: @%s\nYour ID: %d\nChat ID: %d", username, m.From.ID, chatID))
		return true
	}
	return false
}

// GetFileContent resolves the file path through getFile and downloads it.
func (t *Telegram) GetFileContent(ctx context.Context, att domain.Attachment) (int, []byte, error) {
	if err := t.connect(); err != nil {
		return 0, nil, err
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: att.ID})
	if err != nil {
		return 0, nil, fmt.Errorf("telegram get file %s: %w", att.ID, err)
	}
	return download(ctx, t.rest, fmt.Sprintf(t.fileEndpoint, t.token, file.FilePath), nil)
}

// Reply answers msg. Files are sent as documents with the text as caption of
// the first one.
func (t *Telegram) Reply(ctx context.Context, msg domain.InboundMessage, text string, filePaths []string) error {
	if err := t.connect(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	replyTo, _ := strconv.Atoi(msg.MessageID)

	if len(filePaths) == 0 {
		return t.sendMessage(chatID, replyTo, text)
	}
	for i, p := range filePaths {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(p))
		doc.ReplyToMessageID = replyTo
		if i == 0 {
			doc.Caption = text
		}
		if _, err := t.bot.Send(doc); err != nil {
			return fmt.Errorf("telegram send document: %w", err)
		}
	}
	return nil
}

func (t *Telegram) sendMessage(chatID int64, replyTo int, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not connected")
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(chatID, replyTo, chunk); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "err", err)
			return err
		}
	}
	return nil
}

// sendChunk tries the configured parse mode first and falls back to plain
// text when Telegram rejects the markup.
func (t *Telegram) sendChunk(chatID int64, replyTo int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = t.parseMode

	_, err := t.bot.Send(msg)
	if err == nil || msg.ParseMode == "" || !strings.Contains(err.Error(), "can't parse entities") {
		return err
	}

	t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err, "parseMode", t.parseMode)
	msg.ParseMode = ""
	_, err = t.bot.Send(msg)
	return err
}
