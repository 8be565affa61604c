package chat

import (
	"strings"
	"time"
)

// Speaker identifies who authored a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Turn is one message in a conversation thread.
type Turn struct {
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Attachment is a file passed through to the generative-text engine untouched.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// IsImage reports whether the attachment should be sent as an image part.
func (a *Attachment) IsImage() bool {
	return a != nil && strings.HasPrefix(a.MIMEType, "image/")
}
