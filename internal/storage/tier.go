package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/email"
)

const (
	// SkipReason is the client-visible reason recorded for attachments
	// over the size cap.
	SkipReason = "File size exceeds maximum allowed"

	// LocalNote annotates attachments staged on disk awaiting the
	// reconciler.
	LocalNote = "Temporarily stored locally, will be uploaded to S3 when available"
)

// Tier stores attachments: S3 primary when configured, local-disk fallback
// otherwise or on primary failure. Failures of one attachment never affect
// the others or the SMTP session.
type Tier struct {
	uploader    Uploader // nil when the primary store is unconfigured
	local       *Local
	reconciler  *Reconciler
	maxFileSize int64
	log         *zap.Logger
}

// NewTier wires the storage tier. uploader and reconciler may be nil.
func NewTier(uploader Uploader, local *Local, reconciler *Reconciler, maxFileSize int64, log *zap.Logger) *Tier {
	return &Tier{
		uploader:    uploader,
		local:       local,
		reconciler:  reconciler,
		maxFileSize: maxFileSize,
		log:         log,
	}
}

// Store persists one attachment and reports where it ended up. Attachments
// over the size cap are skipped without touching any backend; an
// exactly-at-cap attachment still uploads.
func (t *Tier) Store(ctx context.Context, att *email.Attachment) email.StoredAttachment {
	if att.Size > t.maxFileSize {
		t.log.Info("skipping oversized attachment",
			zap.String("filename", att.Filename),
			zap.Int64("size", att.Size),
			zap.Int64("max", t.maxFileSize),
		)
		return email.StoredAttachment{Kind: email.StoredSkipped, Reason: SkipReason}
	}

	if t.uploader != nil {
		key := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitizeFilename(att.Filename))
		url, err := t.uploader.Upload(ctx, key, att.ContentType, att.Content)
		if err == nil {
			return email.StoredAttachment{Kind: email.StoredObject, URL: url}
		}
		t.log.Warn("primary store upload failed, falling back to local",
			zap.String("filename", att.Filename),
			zap.Error(err),
		)
	}

	path, fileID, err := t.local.Save(att)
	if err != nil {
		t.log.Error("local fallback failed",
			zap.String("filename", att.Filename),
			zap.Error(err),
		)
		return email.StoredAttachment{Kind: email.StoredFailed, Err: err.Error()}
	}

	// Only queue for drain when a primary store exists to drain into.
	if t.uploader != nil && t.reconciler != nil {
		t.reconciler.Add(path)
	}

	return email.StoredAttachment{
		Kind:         email.StoredLocal,
		Path:         path,
		AttachmentID: fileID,
		Note:         LocalNote,
	}
}
