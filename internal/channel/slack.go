package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"printerbot/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// slackAPI is the part of *slack.Client the channel uses.
type slackAPI interface {
	GetFileInfoContext(ctx context.Context, fileID string, count, page int) (*slack.File, []slack.Comment, *slack.Paging, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUploadURLExternalContext(ctx context.Context, params slack.GetUploadURLExternalParameters) (*slack.GetUploadURLExternalResponse, error)
	CompleteUploadExternalContext(ctx context.Context, params slack.CompleteUploadExternalParameters) (*slack.CompleteUploadExternalResponse, error)
}

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	allow    allowList
	client   *slack.Client
	api      slackAPI
	rest     *resty.Client
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken  string
	AppToken  string
	AllowFrom []string
	Logger    *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := slack.New(
		cfg.BotToken,
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		allow:    newAllowList(cfg.AllowFrom),
		client:   client,
		api:      client,
		rest:     resty.New(),
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, handler domain.MessageHandler) error {
	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(s.client)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent, handler)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(ctx, cmd, handler)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op; the socket closes when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent, handler domain.MessageHandler) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	msg, ok := s.inbound(ev)
	if !ok {
		return
	}

	s.logger.Info("slack message received",
		"user", ev.User,
		"channel", ev.Channel,
		"files", len(msg.Attachments),
	)
	s.dispatch(ctx, handler, msg)
}

// inbound converts a message event. Edits, deletions and the bot's own
// messages are skipped; file shares are kept.
func (s *Slack) inbound(ev *slackevents.MessageEvent) (domain.InboundMessage, bool) {
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" {
		return domain.InboundMessage{}, false
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return domain.InboundMessage{}, false
	}
	if !s.allow.allows(ev.User) {
		s.logger.Warn("unauthorized slack user", "user", ev.User)
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		Channel:   "slack",
		ChatID:    ev.Channel,
		MessageID: ev.TimeStamp,
		ThreadID:  ev.ThreadTimeStamp,
		SenderID:  ev.User,
		Content:   ev.Text,
		Timestamp: slackTime(ev.TimeStamp),
	}
	if ev.Files != nil {
		msg.Attachments = make([]domain.Attachment, 0, len(ev.Files))
		for _, f := range ev.Files {
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				ID:        f.ID,
				Name:      f.Name,
				Extension: fileExtension(f.Name, f.Filetype),
				URL:       f.URLPrivateDownload,
			})
		}
	}
	return msg, true
}

func (s *Slack) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand, handler domain.MessageHandler) {
	if !s.allow.allows(cmd.UserID, cmd.UserName) {
		s.logger.Warn("unauthorized slack user", "user", cmd.UserID)
		return
	}

	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)

	s.dispatch(ctx, handler, domain.InboundMessage{
		Channel:   "slack",
		ChatID:    cmd.ChannelID,
		SenderID:  cmd.UserID,
		Content:   strings.TrimSpace(cmd.Command + " " + cmd.Text),
		Timestamp: time.Now(),
	})
}

func (s *Slack) dispatch(ctx context.Context, handler domain.MessageHandler, msg domain.InboundMessage) {
	go handler.OnMessage(ctx, msg)
}

// GetFileContent downloads a private file with the bot token. The status code
// of a failed download is recovered from the client error.
func (s *Slack) GetFileContent(ctx context.Context, att domain.Attachment) (int, []byte, error) {
	url := att.URL
	if url == "" {
		file, _, _, err := s.api.GetFileInfoContext(ctx, att.ID, 0, 0)
		if err != nil {
			return 0, nil, fmt.Errorf("slack file info %s: %w", att.ID, err)
		}
		url = file.URLPrivateDownload
	}

	var buf bytes.Buffer
	if err := s.api.GetFileContext(ctx, url, &buf); err != nil {
		var statusErr slack.StatusCodeError
		if errors.As(err, &statusErr) {
			return statusErr.Code, []byte(statusErr.Status), nil
		}
		return 0, nil, fmt.Errorf("slack download %s: %w", att.ID, err)
	}
	return http.StatusOK, buf.Bytes(), nil
}

// Reply posts into the thread of msg. With files, the text becomes the
// comment of the shared upload.
func (s *Slack) Reply(ctx context.Context, msg domain.InboundMessage, text string, filePaths []string) error {
	threadTS := msg.ThreadID
	if threadTS == "" {
		threadTS = msg.MessageID
	}

	if len(filePaths) == 0 {
		for _, chunk := range splitMessage(text, slackMaxMsgLen) {
			opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
			if threadTS != "" {
				opts = append(opts, slack.MsgOptionTS(threadTS))
			}
			if _, _, err := s.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
				return fmt.Errorf("slack post message: %w", err)
			}
		}
		return nil
	}

	files := make([]slack.FileSummary, 0, len(filePaths))
	for _, p := range filePaths {
		id, err := s.upload(ctx, p)
		if err != nil {
			return err
		}
		files = append(files, slack.FileSummary{ID: id, Title: filepath.Base(p)})
	}
	_, err := s.api.CompleteUploadExternalContext(ctx, slack.CompleteUploadExternalParameters{
		Files:           files,
		Channel:         msg.ChatID,
		InitialComment:  text,
		ThreadTimestamp: threadTS,
	})
	if err != nil {
		return fmt.Errorf("slack complete upload: %w", err)
	}
	return nil
}

// upload sends one file through the external upload flow and returns its ID.
func (s *Slack) upload(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("slack upload: %w", err)
	}
	name := filepath.Base(path)
	target, err := s.api.GetUploadURLExternalContext(ctx, slack.GetUploadURLExternalParameters{
		FileName: name,
		FileSize: int(info.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("slack upload url for %s: %w", name, err)
	}

	resp, err := s.rest.R().
		SetContext(ctx).
		SetFile("file", path).
		Post(target.UploadURL)
	if err != nil {
		return "", fmt.Errorf("slack upload %s: %w", name, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("slack upload %s: status %d", name, resp.StatusCode())
	}
	return target.FileID, nil
}

// slackTime parses a Slack "seconds.micros" timestamp.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	var nsec int64
	if frac != "" {
		frac = (frac + "000000000")[:9]
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, nsec)
}
