package domain

import "time"

// InboundMessage is a chat message as seen by the dispatcher.
//
// Attachments is nil when the platform payload carried no attachment field at
// all, and a non-nil (possibly empty) slice when it did.
type InboundMessage struct {
	Channel     string
	ChatID      string
	MessageID   string
	ThreadID    string // root post / thread timestamp, empty when not threaded
	SenderID    string
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

// HasAttachmentField reports whether the platform payload carried an
// attachment list, even an empty one.
func (m InboundMessage) HasAttachmentField() bool {
	return m.Attachments != nil
}

// Attachment describes a file attached to a chat message.
type Attachment struct {
	ID        string // platform identifier, unique per attachment
	Name      string // display name shown to users
	Extension string // without the leading dot
	URL       string // optional direct download link
}
