// Package storage is the attachment storage tier: S3 primary, encrypted
// local-disk fallback, retention cleanup and the background reconciler that
// drains the fallback back into the object store.
package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/email"
)

const (
	metaSuffix  = ".meta"
	gcmIVSize   = 12
	gcmTagSize  = 16
	gcmAlgoName = "aes-256-gcm"
)

// EncryptionMeta describes how a fallback file is encrypted at rest.
type EncryptionMeta struct {
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
	Encrypted bool   `json:"encrypted"`
}

// Meta is the sibling .meta JSON written next to every fallback data file.
type Meta struct {
	OriginalName string          `json:"originalName"`
	ContentType  string          `json:"contentType"`
	Size         int64           `json:"size"`
	SavedAt      string          `json:"savedAt"`
	FileID       string          `json:"fileId"`
	Encryption   *EncryptionMeta `json:"encryption,omitempty"`
}

// Local is the on-disk staging area used when the primary store is
// unavailable or unconfigured. When a 32-byte key is set, content is
// encrypted with AES-256-GCM before it touches disk.
type Local struct {
	dir string
	key []byte
	log *zap.Logger
}

// NewLocal creates the storage directory (0700) if needed. key must be nil
// or exactly 32 bytes.
func NewLocal(dir string, key []byte, log *zap.Logger) (*Local, error) {
	const op = errors.Op("storage_new_local")

	if key != nil && len(key) != 32 {
		return nil, errors.E(op, errors.Str("encryption key must be 32 bytes"))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.E(op, err)
	}
	return &Local{dir: dir, key: key, log: log}, nil
}

// Save writes the attachment payload and its sibling meta file, both 0600.
// Returns the data file path and the attachment id recorded in the meta.
func (l *Local) Save(att *email.Attachment) (path, fileID string, err error) {
	const op = errors.Op("storage_local_save")

	rnd := make([]byte, 8)
	rand.Read(rnd)
	name := fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), hex.EncodeToString(rnd), sanitizeFilename(att.Filename))
	path = filepath.Join(l.dir, name)
	fileID = uuid.NewString()

	meta := Meta{
		OriginalName: att.Filename,
		ContentType:  att.ContentType,
		Size:         att.Size,
		SavedAt:      time.Now().UTC().Format(time.RFC3339),
		FileID:       fileID,
	}

	content := att.Content
	if l.key != nil {
		var enc *EncryptionMeta
		content, enc, err = l.encrypt(content)
		if err != nil {
			return "", "", errors.E(op, err)
		}
		meta.Encryption = enc
	}

	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", "", errors.E(op, err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		os.Remove(path)
		return "", "", errors.E(op, err)
	}
	if err := os.WriteFile(path+metaSuffix, metaData, 0o600); err != nil {
		os.Remove(path)
		return "", "", errors.E(op, err)
	}

	return path, fileID, nil
}

// Read loads a data file together with its meta and decrypts when the meta
// says the content is encrypted. An auth-tag mismatch fails the read.
func (l *Local) Read(path string) ([]byte, *Meta, error) {
	const op = errors.Op("storage_local_read")

	metaData, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	meta := &Meta{}
	if err := json.Unmarshal(metaData, meta); err != nil {
		return nil, nil, errors.E(op, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	if meta.Encryption != nil && meta.Encryption.Encrypted {
		content, err = l.decrypt(content, meta.Encryption)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
	}
	return content, meta, nil
}

// Remove unlinks a data file and its meta.
func (l *Local) Remove(path string) {
	os.Remove(path)
	os.Remove(path + metaSuffix)
}

// PendingFiles scans the storage directory and returns the data files still
// staged on disk. Orphaned meta files (meta present, data gone) are
// garbage-collected during the scan.
func (l *Local) PendingFiles() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Error("failed to scan local storage", zap.Error(err))
		}
		return nil
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(l.dir, name)
		if strings.HasSuffix(name, metaSuffix) {
			dataPath := strings.TrimSuffix(path, metaSuffix)
			if _, err := os.Stat(dataPath); os.IsNotExist(err) {
				l.log.Debug("removing orphaned meta file", zap.String("path", path))
				os.Remove(path)
			}
			continue
		}
		if _, err := os.Stat(path + metaSuffix); err != nil {
			continue
		}
		files = append(files, path)
	}
	return files
}

// Sweep unlinks data files whose mtime is older than retention, along with
// their meta files.
func (l *Local) Sweep(retention time.Duration) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Error("retention sweep readdir failed", zap.Error(err))
		}
		return
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			l.Remove(filepath.Join(l.dir, name))
			removed++
		}
	}
	if removed > 0 {
		l.log.Info("retention sweep removed expired attachments", zap.Int("count", removed))
	}
}

// encrypt seals content with a fresh 12-byte IV. The returned bytes are the
// ciphertext without the auth tag; the tag travels in the meta.
func (l *Local) encrypt(content []byte) ([]byte, *EncryptionMeta, error) {
	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, content, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return ct, &EncryptionMeta{
		Algorithm: gcmAlgoName,
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(tag),
		Encrypted: true,
	}, nil
}

func (l *Local) decrypt(ct []byte, enc *EncryptionMeta) ([]byte, error) {
	if l.key == nil {
		return nil, errors.Str("encrypted attachment but no key configured")
	}

	iv, err := hex.DecodeString(enc.IV)
	if err != nil {
		return nil, err
	}
	tag, err := hex.DecodeString(enc.AuthTag)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

// sanitizeFilename keeps the original name safe for use inside a generated
// file name.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "attachment"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '\x00':
			return '_'
		}
		return r
	}, name)
}
