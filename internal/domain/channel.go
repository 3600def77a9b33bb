package domain

import "context"

// Client is the part of a messaging platform the dispatcher depends on.
type Client interface {
	// GetFileContent downloads an attachment. A non-nil error means the
	// request never produced a response; otherwise status is the platform's
	// HTTP status code and body the raw response.
	GetFileContent(ctx context.Context, att Attachment) (status int, body []byte, err error)

	// Reply answers msg with text and, optionally, local files as attachments.
	Reply(ctx context.Context, msg InboundMessage, text string, filePaths []string) error
}

// MessageHandler receives every message a channel accepts.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg InboundMessage)
}

// MessageHandlerFunc adapts a plain function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg InboundMessage)

func (f MessageHandlerFunc) OnMessage(ctx context.Context, msg InboundMessage) { f(ctx, msg) }

// Channel is a messaging platform connection (Mattermost, Telegram, Slack, ...).
type Channel interface {
	Client
	Name() string
	// Start connects and delivers messages to handler until ctx is done.
	Start(ctx context.Context, handler MessageHandler) error
	Stop() error
}
