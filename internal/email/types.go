// Package email defines the parsed-email data model shared by the SMTP
// ingestion pipeline, the webhook router and the dispatcher.
package email

import (
	"strings"
	"time"
)

// Attachment is a decoded MIME part carrying a filename and content bytes.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// StoredKind discriminates the outcome of storing one attachment.
type StoredKind string

const (
	StoredObject  StoredKind = "object"
	StoredLocal   StoredKind = "local"
	StoredSkipped StoredKind = "skipped"
	StoredFailed  StoredKind = "failed"
)

// StoredAttachment is the value-typed result of the storage tier for a
// single attachment. Exactly the fields for its Kind are populated.
type StoredAttachment struct {
	Kind StoredKind

	// Kind == StoredObject
	URL string

	// Kind == StoredLocal
	Path         string
	AttachmentID string
	Note         string

	// Kind == StoredSkipped
	Reason string

	// Kind == StoredFailed
	Err string
}

// AttachmentInfo is the webhook-facing projection of a non-skipped
// StoredAttachment.
type AttachmentInfo struct {
	Filename     string  `json:"filename"`
	ContentType  string  `json:"contentType"`
	Size         int64   `json:"size"`
	Location     *string `json:"location"`
	StorageType  string  `json:"storageType"`
	Note         string  `json:"note,omitempty"`
	AttachmentID string  `json:"attachmentId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// SkippedAttachment records an attachment rejected by the size cap.
type SkippedAttachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
}

// StorageSummary counts storage outcomes across one message. It is included
// in the webhook payload only when the message carried at least one
// attachment.
type StorageSummary struct {
	Total         int `json:"total"`
	UploadedToS3  int `json:"uploadedToS3"`
	StoredLocally int `json:"storedLocally"`
	Skipped       int `json:"skipped"`
}

// AddressEntry is one parsed mailbox inside an address header.
type AddressEntry struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AddressList is the JSON shape of From/To/Cc: the raw header text plus the
// individual mailboxes.
type AddressList struct {
	Text  string         `json:"text"`
	Value []AddressEntry `json:"value"`
}

// Addresses returns the bare address strings.
func (a *AddressList) Addresses() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Value))
	for _, v := range a.Value {
		out = append(out, v.Address)
	}
	return out
}

// ParsedEmail is the structured form of one received message. Its JSON
// encoding is the webhook payload body (minus the _webhookMeta key added at
// dispatch time).
type ParsedEmail struct {
	From    *AddressList `json:"from,omitempty"`
	To      *AddressList `json:"to,omitempty"`
	Cc      *AddressList `json:"cc,omitempty"`
	Subject string       `json:"subject"`

	// Headers holds every message header; keys are stored lowercased and
	// each key keeps its values as a list in arrival order.
	Headers map[string][]string `json:"headers,omitempty"`

	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	Date       string    `json:"date,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`

	AttachmentInfo     []AttachmentInfo    `json:"attachmentInfo"`
	SkippedAttachments []SkippedAttachment `json:"skippedAttachments,omitempty"`
	StorageSummary     *StorageSummary     `json:"storageSummary,omitempty"`
}

// Header returns the values stored for name, matched case-insensitively.
func (p *ParsedEmail) Header(name string) []string {
	if p.Headers == nil {
		return nil
	}
	return p.Headers[strings.ToLower(name)]
}
