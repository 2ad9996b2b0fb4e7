package mailparse

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/email"
)

// captureStore records every attachment and answers with a scripted
// outcome per filename.
type captureStore struct {
	outcomes map[string]email.StoredAttachment
	seen     []*email.Attachment
}

func (c *captureStore) Store(_ context.Context, att *email.Attachment) email.StoredAttachment {
	c.seen = append(c.seen, att)
	if out, ok := c.outcomes[att.Filename]; ok {
		return out
	}
	return email.StoredAttachment{Kind: email.StoredObject, URL: "https://s3/" + att.Filename}
}

func parse(t *testing.T, raw string, store AttachmentStore) *email.ParsedEmail {
	t.Helper()
	if store == nil {
		store = &captureStore{}
	}
	parsed, err := Parse(context.Background(), strings.NewReader(raw), store, zap.NewNop())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return parsed
}

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

func TestPlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: Alice <alice@example.com>",
		"To: bob@example.org",
		"Subject: Greetings",
		"Content-Type: text/plain",
		"",
		"Hello Bob.",
	)
	parsed := parse(t, raw, nil)

	if parsed.From == nil || len(parsed.From.Value) != 1 || parsed.From.Value[0].Address != "alice@example.com" {
		t.Errorf("From: got %+v", parsed.From)
	}
	if parsed.From.Value[0].Name != "Alice" {
		t.Errorf("From name: got %q", parsed.From.Value[0].Name)
	}
	if parsed.Subject != "Greetings" {
		t.Errorf("Subject: got %q", parsed.Subject)
	}
	if parsed.Text != "Hello Bob." {
		t.Errorf("Text: got %q", parsed.Text)
	}
	if parsed.StorageSummary != nil {
		t.Error("StorageSummary: got non-nil for zero-attachment email")
	}
}

func TestHeadersLowercasedMultiMap(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: s",
		"X-Custom: one",
		"Received: by relay1",
		"Received: by relay2",
		"",
		"body",
	)
	parsed := parse(t, raw, nil)

	if got := parsed.Header("x-custom"); len(got) != 1 || got[0] != "one" {
		t.Errorf("x-custom: got %v", got)
	}
	if got := parsed.Header("X-CUSTOM"); len(got) != 1 {
		t.Errorf("case-insensitive lookup failed: got %v", got)
	}
	if got := parsed.Header("received"); len(got) != 2 {
		t.Errorf("received: got %d values, want 2", len(got))
	}
}

func TestMultipartAlternative(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: alt",
		"Content-Type: multipart/alternative; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"plain body",
		"--b1",
		"Content-Type: text/html",
		"",
		"<p>html body</p>",
		"--b1--",
	)
	parsed := parse(t, raw, nil)

	if parsed.Text != "plain body" {
		t.Errorf("Text: got %q", parsed.Text)
	}
	if parsed.HTML != "<p>html body</p>" {
		t.Errorf("HTML: got %q", parsed.HTML)
	}
}

func TestAttachmentExtractionAndSummary(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.4 fake content")
	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: with attachment",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--b1",
		"Content-Type: application/pdf",
		"Content-Transfer-Encoding: base64",
		`Content-Disposition: attachment; filename="doc.pdf"`,
		"",
		base64.StdEncoding.EncodeToString(pdf),
		"--b1--",
	)

	store := &captureStore{}
	parsed := parse(t, raw, store)

	if len(store.seen) != 1 {
		t.Fatalf("stored attachments: got %d, want 1", len(store.seen))
	}
	att := store.seen[0]
	if att.Filename != "doc.pdf" {
		t.Errorf("Filename: got %q", att.Filename)
	}
	if string(att.Content) != string(pdf) {
		t.Errorf("Content: got %q, want decoded base64", att.Content)
	}
	if att.Size != int64(len(pdf)) {
		t.Errorf("Size: got %d, want %d", att.Size, len(pdf))
	}

	if len(parsed.AttachmentInfo) != 1 {
		t.Fatalf("AttachmentInfo: got %d entries", len(parsed.AttachmentInfo))
	}
	info := parsed.AttachmentInfo[0]
	if info.StorageType != "s3" || info.Location == nil {
		t.Errorf("AttachmentInfo: got %+v", info)
	}

	sum := parsed.StorageSummary
	if sum == nil {
		t.Fatal("StorageSummary: got nil")
	}
	if sum.Total != 1 || sum.UploadedToS3 != 1 || sum.StoredLocally != 0 || sum.Skipped != 0 {
		t.Errorf("StorageSummary: got %+v", sum)
	}
}

func TestSkippedAndLocalAndFailedOutcomes(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: mixed outcomes",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: application/zip",
		`Content-Disposition: attachment; filename="big.iso"`,
		"",
		"AAAA",
		"--b1",
		"Content-Type: application/zip",
		`Content-Disposition: attachment; filename="local.zip"`,
		"",
		"BBBB",
		"--b1",
		"Content-Type: application/zip",
		`Content-Disposition: attachment; filename="broken.zip"`,
		"",
		"CCCC",
		"--b1--",
	)

	store := &captureStore{outcomes: map[string]email.StoredAttachment{
		"big.iso":    {Kind: email.StoredSkipped, Reason: "File size exceeds maximum allowed"},
		"local.zip":  {Kind: email.StoredLocal, Path: "/data/x", AttachmentID: "id-1", Note: "staged"},
		"broken.zip": {Kind: email.StoredFailed, Err: "disk full"},
	}}
	parsed := parse(t, raw, store)

	if len(parsed.SkippedAttachments) != 1 {
		t.Fatalf("SkippedAttachments: got %d", len(parsed.SkippedAttachments))
	}
	if parsed.SkippedAttachments[0].Filename != "big.iso" {
		t.Errorf("skipped filename: got %q", parsed.SkippedAttachments[0].Filename)
	}

	// Skipped entries stay out of attachmentInfo; local and failed appear.
	if len(parsed.AttachmentInfo) != 2 {
		t.Fatalf("AttachmentInfo: got %d entries, want 2", len(parsed.AttachmentInfo))
	}
	if parsed.AttachmentInfo[0].StorageType != "local" || parsed.AttachmentInfo[0].AttachmentID != "id-1" {
		t.Errorf("local entry: got %+v", parsed.AttachmentInfo[0])
	}
	if parsed.AttachmentInfo[1].StorageType != "failed" || parsed.AttachmentInfo[1].Error != "disk full" {
		t.Errorf("failed entry: got %+v", parsed.AttachmentInfo[1])
	}

	sum := parsed.StorageSummary
	if sum.Total != 3 || sum.Skipped != 1 || sum.StoredLocally != 1 || sum.UploadedToS3 != 0 {
		t.Errorf("StorageSummary: got %+v", sum)
	}
}

func TestNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: nested",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"inner plain",
		"--inner",
		"Content-Type: text/html",
		"",
		"<b>inner html</b>",
		"--inner--",
		"--outer",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="n.pdf"`,
		"",
		"pdf",
		"--outer--",
	)
	store := &captureStore{}
	parsed := parse(t, raw, store)

	if parsed.Text != "inner plain" || parsed.HTML != "<b>inner html</b>" {
		t.Errorf("bodies: text=%q html=%q", parsed.Text, parsed.HTML)
	}
	if len(store.seen) != 1 || store.seen[0].Filename != "n.pdf" {
		t.Errorf("nested attachment: got %+v", store.seen)
	}
}

func TestQuotedPrintableBody(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: qp",
		"Content-Type: text/plain",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=C3=A9",
	)
	parsed := parse(t, raw, nil)
	if parsed.Text != "café" {
		t.Errorf("Text: got %q, want café", parsed.Text)
	}
}

func TestEncodedSubjectDecoded(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: =?UTF-8?B?aGVsbG8gd8O2cmxk?=",
		"",
		"body",
	)
	parsed := parse(t, raw, nil)
	if parsed.Text != "body" {
		t.Errorf("Text: got %q", parsed.Text)
	}
	if parsed.Subject != "hello wörld" {
		t.Errorf("Subject: got %q, want decoded", parsed.Subject)
	}
}

func TestGarbageFailsParse(t *testing.T) {
	t.Parallel()

	_, err := Parse(context.Background(), strings.NewReader("\x00\x01 not an email"), &captureStore{}, zap.NewNop())
	if err == nil {
		t.Error("expected parse error for garbage input")
	}
}

func TestInlineImageWithFilenameIsAttachment(t *testing.T) {
	t.Parallel()

	raw := crlf(
		"From: a@x",
		"To: b@x",
		"Subject: inline",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		`Content-Type: image/png; name="logo.png"`,
		"",
		"PNGDATA",
		"--b1--",
	)
	store := &captureStore{}
	parse(t, raw, store)

	if len(store.seen) != 1 || store.seen[0].Filename != "logo.png" {
		t.Errorf("inline image: got %+v, want logo.png attachment", store.seen)
	}
}
