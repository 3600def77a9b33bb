package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"printerbot/internal/domain"

	"github.com/bwmarrin/discordgo"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

const (
	discordMaxMsgLen = 2000
)

// discordSender is the part of *discordgo.Session used for replies.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	allow   allowList
	session *discordgo.Session
	sender  discordSender
	rest    *resty.Client
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token     string
	GuildID   string
	AllowFrom []string
	Logger    *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		allow:   newAllowList(cfg.AllowFrom),
		rest:    resty.New(),
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, handler domain.MessageHandler) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session
	d.sender = session

	// discordgo runs each handler in its own goroutine.
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := d.inbound(m, s.State.User.ID)
		if !ok {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"files", len(msg.Attachments),
		)
		handler.OnMessage(ctx, msg)
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		d.handleCommand(ctx, s, i, handler)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

// inbound converts a created message, skipping the bot's own messages,
// other guilds and senders outside the allow list.
func (d *Discord) inbound(m *discordgo.MessageCreate, selfID string) (domain.InboundMessage, bool) {
	if m.Author == nil || m.Author.ID == selfID || m.Author.Bot {
		return domain.InboundMessage{}, false
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return domain.InboundMessage{}, false
	}
	if !d.allow.allows(m.Author.ID, m.Author.Username) {
		d.logger.Warn("unauthorized discord user", "user_id", m.Author.ID, "username", m.Author.Username)
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		SenderID:  m.Author.ID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Attachments != nil {
		msg.Attachments = make([]domain.Attachment, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				ID:        a.ID,
				Name:      a.Filename,
				Extension: fileExtension(a.Filename, ""),
				URL:       a.URL,
			})
		}
	}
	return msg, true
}

func (d *Discord) handleCommand(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, handler domain.MessageHandler) {
	data := i.ApplicationCommandData()

	user := i.User
	if i.Member != nil {
		user = i.Member.User
	}
	if user == nil || !d.allow.allows(user.ID, user.Username) {
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Unauthorized.", Flags: discordgo.MessageFlagsEphemeral},
		})
		return
	}

	switch data.Name {
	case "help":
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: "Attach files to a message and I'll print them. Use /scan or send `scan` to scan a page.",
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
	case "scan":
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Scan requested."},
		}); err != nil {
			d.logger.Warn("discord interaction respond failed", "err", err)
		}
		handler.OnMessage(ctx, domain.InboundMessage{
			Channel:  "discord",
			ChatID:   i.ChannelID,
			SenderID: user.ID,
			Content:  "/scan",
		})
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "scan",
			Description: "Scan a page and post the image",
		},
		{
			Name:        "help",
			Description: "Show how to print and scan",
		},
	}

	guildID := d.guildID // empty = global commands
	for _, cmd := range commands {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

// GetFileContent downloads an attachment from the Discord CDN.
func (d *Discord) GetFileContent(ctx context.Context, att domain.Attachment) (int, []byte, error) {
	return download(ctx, d.rest, att.URL, nil)
}

// Reply answers msg with a message reference. Long text is split; files go
// with the last chunk.
func (d *Discord) Reply(ctx context.Context, msg domain.InboundMessage, text string, filePaths []string) error {
	if d.sender == nil {
		return fmt.Errorf("discord session not connected")
	}

	var files []*discordgo.File
	for _, p := range filePaths {
		kind, err := mimetype.DetectFile(p)
		if err != nil {
			return fmt.Errorf("discord attach: %w", err)
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("discord attach: %w", err)
		}
		defer f.Close()
		files = append(files, &discordgo.File{
			Name:        filepath.Base(p),
			ContentType: kind.String(),
			Reader:      f,
		})
	}

	chunks := splitMessage(text, discordMaxMsgLen)
	for idx, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if msg.MessageID != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.MessageID, ChannelID: msg.ChatID}
		}
		if idx == len(chunks)-1 {
			send.Files = files
		}
		if _, err := d.sender.ChannelMessageSendComplex(msg.ChatID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
