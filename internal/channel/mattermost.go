package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"printerbot/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

const (
	mattermostAPIPrefix      = "/api/v4"
	mattermostReconnectDelay = 5 * time.Second
	mattermostMaxMsgLen      = 16383
)

// Mattermost implements domain.Channel for a Mattermost server using the v4
// REST API and the websocket event stream.
type Mattermost struct {
	baseURL        string
	team           string
	token          string
	allow          allowList
	insecure       bool
	reconnectDelay time.Duration

	rest   *resty.Client
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	botUserID string
	botName   string
	wg        sync.WaitGroup
}

// MattermostConfig configures the Mattermost channel.
type MattermostConfig struct {
	URL                string // server URL, e.g. https://chat.example.com
	Port               int
	Team               string
	Token              string
	AllowFrom          []string // user IDs or usernames (empty = allow all)
	InsecureSkipVerify bool
	ReconnectDelay     time.Duration
	Logger             *slog.Logger
}

// NewMattermost creates a Mattermost channel. The server URL and port are
// combined into the API base URL.
func NewMattermost(cfg MattermostConfig) (*Mattermost, error) {
	base, err := mattermostBaseURL(cfg.URL, cfg.Port)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, errors.New("mattermost token is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = mattermostReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rest := resty.New().
		SetBaseURL(base).
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/json")
	if cfg.InsecureSkipVerify {
		rest.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // operator opt-in
	}

	return &Mattermost{
		baseURL:        base,
		team:           cfg.Team,
		token:          cfg.Token,
		allow:          newAllowList(cfg.AllowFrom),
		insecure:       cfg.InsecureSkipVerify,
		reconnectDelay: cfg.ReconnectDelay,
		rest:           rest,
		logger:         cfg.Logger,
	}, nil
}

// mattermostBaseURL builds scheme://host[:port] from a server URL that may
// omit the scheme. The port is added when the URL carries none and it is not
// the scheme's default.
func mattermostBaseURL(raw string, port int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("mattermost url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse mattermost url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("mattermost url scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("mattermost url %q has no host", raw)
	}

	host := u.Host
	if u.Port() == "" && port > 0 {
		defaultPort := 443
		if u.Scheme == "http" {
			defaultPort = 80
		}
		if port != defaultPort {
			host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
		}
	}
	return u.Scheme + "://" + host + strings.TrimRight(u.Path, "/"), nil
}

func (m *Mattermost) Name() string { return "mattermost" }

// Start logs in, resolves the team and consumes the websocket event stream
// until ctx is cancelled. A dropped connection is re-established after a
// fixed delay.
func (m *Mattermost) Start(ctx context.Context, handler domain.MessageHandler) error {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := m.getJSON(ctx, "/users/me", &me); err != nil {
		return fmt.Errorf("mattermost login: %w", err)
	}
	m.mu.Lock()
	m.botUserID = me.ID
	m.botName = me.Username
	m.mu.Unlock()

	if m.team != "" {
		var team struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := m.getJSON(ctx, "/teams/name/"+url.PathEscape(m.team), &team); err != nil {
			return fmt.Errorf("mattermost team %q: %w", m.team, err)
		}
		m.logger.Info("mattermost team resolved", "team", team.Name, "team_id", team.ID)
	}

	m.logger.Info("mattermost bot connected", "user", me.Username, "user_id", me.ID, "url", m.baseURL)

	defer m.wg.Wait()
	for {
		err := m.listen(ctx, handler)
		if ctx.Err() != nil {
			m.logger.Info("mattermost channel stopping")
			return nil
		}
		m.logger.Warn("mattermost websocket disconnected", "err", err, "retry_in", m.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.reconnectDelay):
		}
	}
}

// Stop closes the current websocket connection, if any.
func (m *Mattermost) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

func (m *Mattermost) websocketURL() string {
	wsURL := strings.Replace(m.baseURL, "http", "ws", 1)
	return wsURL + mattermostAPIPrefix + "/websocket"
}

// listen runs one websocket session.
func (m *Mattermost) listen(ctx context.Context, handler domain.MessageHandler) error {
	dialer := *websocket.DefaultDialer
	if m.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.token)

	conn, _, err := dialer.DialContext(ctx, m.websocketURL(), header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": m.token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return fmt.Errorf("authenticate websocket: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleEvent(ctx, data, handler)
	}
}

type mattermostEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type mattermostPost struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	RootID    string    `json:"root_id"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreateAt  int64     `json:"create_at"`
	FileIDs   *[]string `json:"file_ids"`
	Metadata  struct {
		Files []mattermostFileInfo `json:"files"`
	} `json:"metadata"`
}

type mattermostFileInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
}

func (m *Mattermost) handleEvent(ctx context.Context, data []byte, handler domain.MessageHandler) {
	var evt mattermostEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		m.logger.Debug("mattermost: undecodable websocket frame", "err", err)
		return
	}
	if evt.Event != "posted" {
		return
	}

	var payload struct {
		Post       string `json:"post"`
		SenderName string `json:"sender_name"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		m.logger.Warn("mattermost: bad posted event", "err", err)
		return
	}
	post, err := parseMattermostPost(payload.Post)
	if err != nil {
		m.logger.Warn("mattermost: bad post payload", "err", err)
		return
	}

	m.mu.Lock()
	self := m.botUserID
	m.mu.Unlock()
	if post.UserID == self || strings.HasPrefix(post.Type, "system_") {
		return
	}

	msg := post.inbound()
	if !m.allow.allows(post.UserID, strings.TrimPrefix(payload.SenderName, "@")) {
		m.logger.Warn("unauthorized mattermost user", "user_id", post.UserID, "sender", payload.SenderName)
		return
	}

	m.logger.Info("mattermost message received",
		"user_id", post.UserID,
		"channel_id", post.ChannelID,
		"files", len(msg.Attachments),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if post.FileIDs != nil && len(*post.FileIDs) > 0 && len(post.Metadata.Files) == 0 {
			msg.Attachments = m.resolveFiles(ctx, *post.FileIDs)
		}
		handler.OnMessage(ctx, msg)
	}()
}

func parseMattermostPost(raw string) (mattermostPost, error) {
	var post mattermostPost
	if raw == "" {
		return post, errors.New("empty post")
	}
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return post, fmt.Errorf("decode post: %w", err)
	}
	return post, nil
}

// inbound converts a post. Attachments stay nil unless the post carries a
// file_ids field.
func (p mattermostPost) inbound() domain.InboundMessage {
	msg := domain.InboundMessage{
		Channel:   "mattermost",
		ChatID:    p.ChannelID,
		MessageID: p.ID,
		ThreadID:  p.RootID,
		SenderID:  p.UserID,
		Content:   p.Message,
		Timestamp: time.UnixMilli(p.CreateAt),
	}
	if p.FileIDs != nil {
		msg.Attachments = make([]domain.Attachment, 0, len(p.Metadata.Files))
		for _, f := range p.Metadata.Files {
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				ID:        f.ID,
				Name:      f.Name,
				Extension: f.Extension,
			})
		}
	}
	return msg
}

// resolveFiles looks up file metadata for posts delivered without it.
func (m *Mattermost) resolveFiles(ctx context.Context, ids []string) []domain.Attachment {
	atts := make([]domain.Attachment, 0, len(ids))
	for _, id := range ids {
		var info mattermostFileInfo
		if err := m.getJSON(ctx, "/files/"+url.PathEscape(id)+"/info", &info); err != nil {
			m.logger.Warn("mattermost: file info lookup failed", "file_id", id, "err", err)
			info = mattermostFileInfo{ID: id, Name: id}
		}
		if info.ID == "" {
			info.ID = id
		}
		atts = append(atts, domain.Attachment{ID: info.ID, Name: info.Name, Extension: info.Extension})
	}
	return atts
}

// GetFileContent downloads a file by its Mattermost file ID.
func (m *Mattermost) GetFileContent(ctx context.Context, att domain.Attachment) (int, []byte, error) {
	resp, err := m.rest.R().
		SetContext(ctx).
		Get(mattermostAPIPrefix + "/files/" + url.PathEscape(att.ID))
	if err != nil {
		return 0, nil, fmt.Errorf("mattermost get file %s: %w", att.ID, err)
	}
	return resp.StatusCode(), resp.Body(), nil
}

// Reply posts text, and any files, in the thread of msg.
func (m *Mattermost) Reply(ctx context.Context, msg domain.InboundMessage, text string, filePaths []string) error {
	rootID := msg.ThreadID
	if rootID == "" {
		rootID = msg.MessageID
	}

	var fileIDs []string
	for _, p := range filePaths {
		id, err := m.uploadFile(ctx, msg.ChatID, p)
		if err != nil {
			return err
		}
		fileIDs = append(fileIDs, id)
	}

	chunks := splitMessage(text, mattermostMaxMsgLen)
	for i, chunk := range chunks {
		post := map[string]any{
			"channel_id": msg.ChatID,
			"message":    chunk,
			"root_id":    rootID,
		}
		if i == len(chunks)-1 && len(fileIDs) > 0 {
			post["file_ids"] = fileIDs
		}
		resp, err := m.rest.R().
			SetContext(ctx).
			SetBody(post).
			Post(mattermostAPIPrefix + "/posts")
		if err != nil {
			return fmt.Errorf("mattermost create post: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("mattermost create post: status %d: %s", resp.StatusCode(), resp.String())
		}
	}
	return nil
}

func (m *Mattermost) uploadFile(ctx context.Context, channelID, path string) (string, error) {
	var result struct {
		FileInfos []mattermostFileInfo `json:"file_infos"`
	}
	resp, err := m.rest.R().
		SetContext(ctx).
		SetFormData(map[string]string{"channel_id": channelID}).
		SetFile("files", path).
		SetResult(&result).
		Post(mattermostAPIPrefix + "/files")
	if err != nil {
		return "", fmt.Errorf("mattermost upload %s: %w", filepath.Base(path), err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("mattermost upload %s: status %d: %s", filepath.Base(path), resp.StatusCode(), resp.String())
	}
	if len(result.FileInfos) == 0 {
		return "", fmt.Errorf("mattermost upload %s: no file info returned", filepath.Base(path))
	}
	return result.FileInfos[0].ID, nil
}

func (m *Mattermost) getJSON(ctx context.Context, path string, out any) error {
	resp, err := m.rest.R().
		SetContext(ctx).
		SetResult(out).
		Get(mattermostAPIPrefix + path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}
