// Package mailparse turns a raw RFC 5322 message stream into a ParsedEmail,
// storing each attachment through the storage tier as it is encountered.
package mailparse

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/email"
)

// AttachmentStore persists one attachment and reports the outcome. A
// storage failure is contained to that attachment; it never fails the
// message as a whole.
type AttachmentStore interface {
	Store(ctx context.Context, att *email.Attachment) email.StoredAttachment
}

var wordDecoder = &mime.WordDecoder{}

// Parse reads the complete message from r and produces the structured email
// along with the storage outcome of every attachment.
func Parse(ctx context.Context, r io.Reader, store AttachmentStore, log *zap.Logger) (*email.ParsedEmail, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	parsed := &email.ParsedEmail{
		Headers:    make(map[string][]string, len(msg.Header)),
		ReceivedAt: time.Now().UTC(),
	}
	for key, values := range msg.Header {
		parsed.Headers[strings.ToLower(key)] = values
	}

	parsed.From = parseAddressList(msg.Header.Get("From"))
	parsed.To = parseAddressList(msg.Header.Get("To"))
	parsed.Cc = parseAddressList(msg.Header.Get("Cc"))
	parsed.Subject = decodeHeader(msg.Header.Get("Subject"))
	parsed.MessageID = msg.Header.Get("Message-Id")
	parsed.Date = msg.Header.Get("Date")

	var attachments []storedResult
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		log.Warn("unparseable Content-Type, treating as plain text", zap.Error(err))
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
	} else if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := walkMultipart(ctx, msg.Body, boundary, parsed, store, &attachments, log); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		decoded := decodeTransfer(body, msg.Header.Get("Content-Transfer-Encoding"))
		switch mediaType {
		case "text/html":
			parsed.HTML = string(decoded)
		default:
			parsed.Text = string(decoded)
		}
	}

	applyStorageResults(parsed, attachments)
	return parsed, nil
}

// storedResult pairs an attachment with its storage outcome.
type storedResult struct {
	att    *email.Attachment
	stored email.StoredAttachment
}

// walkMultipart extracts bodies and attachments, recursing into nested
// multipart containers. Each attachment is stored independently; a storage
// failure is recorded for that attachment and the walk continues. Parts that
// cannot be read or whose Content-Type cannot be parsed are logged and
// skipped.
func walkMultipart(ctx context.Context, body io.Reader, boundary string, parsed *email.ParsedEmail, store AttachmentStore, results *[]storedResult, log *zap.Logger) error {
	mr := multipart.NewReader(body, boundary)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partType)
		if err != nil {
			log.Warn("unparseable part Content-Type, skipping", zap.Error(err))
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				log.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := walkMultipart(ctx, part, nested, parsed, store, results, log); err != nil {
				log.Warn("failed to parse nested multipart", zap.Error(err))
			}
			continue
		}

		content, err := io.ReadAll(part)
		if err != nil {
			log.Warn("failed to read part content", zap.Error(err))
			continue
		}
		content = decodeTransfer(content, part.Header.Get("Content-Transfer-Encoding"))

		filename := partFilename(part, params)
		disposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(disposition, "attachment") ||
			(filename != "" && mediaType != "text/plain" && mediaType != "text/html")

		if isAttachment {
			if filename == "" {
				filename = fmt.Sprintf("attachment_%d", len(*results)+1)
			}
			att := &email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(content)),
				Content:     content,
			}
			*results = append(*results, storedResult{att: att, stored: store.Store(ctx, att)})
			continue
		}

		switch mediaType {
		case "text/plain":
			if parsed.Text == "" {
				parsed.Text = string(content)
			}
		case "text/html":
			if parsed.HTML == "" {
				parsed.HTML = string(content)
			}
		default:
			log.Debug("ignoring part with no filename",
				zap.String("contentType", mediaType),
			)
		}
	}
}

// applyStorageResults projects storage outcomes into the webhook-facing
// attachment lists. The storage summary appears only when the message
// carried at least one attachment.
func applyStorageResults(parsed *email.ParsedEmail, results []storedResult) {
	if len(results) == 0 {
		return
	}

	summary := &email.StorageSummary{Total: len(results)}
	for _, res := range results {
		switch res.stored.Kind {
		case email.StoredSkipped:
			summary.Skipped++
			parsed.SkippedAttachments = append(parsed.SkippedAttachments, email.SkippedAttachment{
				Filename: res.att.Filename,
				Size:     res.att.Size,
				Reason:   res.stored.Reason,
			})
		case email.StoredObject:
			summary.UploadedToS3++
			url := res.stored.URL
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, email.AttachmentInfo{
				Filename:    res.att.Filename,
				ContentType: res.att.ContentType,
				Size:        res.att.Size,
				Location:    &url,
				StorageType: "s3",
			})
		case email.StoredLocal:
			summary.StoredLocally++
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, email.AttachmentInfo{
				Filename:     res.att.Filename,
				ContentType:  res.att.ContentType,
				Size:         res.att.Size,
				Location:     nil,
				StorageType:  "local",
				Note:         res.stored.Note,
				AttachmentID: res.stored.AttachmentID,
			})
		case email.StoredFailed:
			parsed.AttachmentInfo = append(parsed.AttachmentInfo, email.AttachmentInfo{
				Filename:    res.att.Filename,
				ContentType: res.att.ContentType,
				Size:        res.att.Size,
				Location:    nil,
				StorageType: "failed",
				Error:       res.stored.Err,
			})
		}
	}
	parsed.StorageSummary = summary
}

// parseAddressList keeps both the raw header text and the individual
// mailboxes. Unparseable lists fall back to the raw text only.
func parseAddressList(raw string) *email.AddressList {
	if raw == "" {
		return nil
	}

	list := &email.AddressList{Text: decodeHeader(raw)}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		for _, p := range strings.Split(raw, ",") {
			if t := strings.TrimSpace(p); t != "" {
				list.Value = append(list.Value, email.AddressEntry{Address: t})
			}
		}
		return list
	}
	for _, a := range addrs {
		list.Value = append(list.Value, email.AddressEntry{Address: a.Address, Name: a.Name})
	}
	return list
}

// decodeTransfer reverses the Content-Transfer-Encoding. Unknown encodings
// pass through unchanged.
func decodeTransfer(content []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(content))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			if decoded, err = base64.RawStdEncoding.DecodeString(cleaned); err != nil {
				return content
			}
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content)))
		if err != nil {
			return content
		}
		return decoded
	default:
		return content
	}
}

// decodeHeader reverses RFC 2047 encoded-words.
func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func partFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decodeHeader(fn)
	}
	if name, ok := params["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	return ""
}
