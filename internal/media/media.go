// Package media turns raw image payloads into stable URLs.
// Messages only ever carry the returned reference, never the bytes.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"duet/internal/models"
	"duet/internal/storage"

	"github.com/h2non/filetype"
)

// URLPrefix is the path under which stored images are served.
const URLPrefix = "/api/images/"

var hashRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MetadataStore persists file metadata. Implemented by storage.BboltStorage.
type MetadataStore interface {
	PutFileMetadata(meta storage.FileMetadata) (storage.FileMetadata, error)
	GetFileMetadata(id string) (storage.FileMetadata, error)
}

type Service struct {
	files    FileStore
	meta     MetadataStore
	maxBytes int64
	now      func() time.Time
}

func NewService(files FileStore, meta MetadataStore, maxBytes int64) *Service {
	return &Service{files: files, meta: meta, maxBytes: maxBytes, now: time.Now}
}

// SaveDataURL stores an image given as a data URL or bare base64 string and
// returns its URL. A URL previously returned by the service is accepted as is.
func (s *Service) SaveDataURL(userID, payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", fmt.Errorf("%w: empty image", models.ErrValidation)
	}

	if hash, ok := strings.CutPrefix(payload, URLPrefix); ok {
		if _, err := s.meta.GetFileMetadata(hash); err != nil {
			return "", err
		}
		return payload, nil
	}

	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.HasSuffix(payload[:comma], ";base64") {
			return "", fmt.Errorf("%w: malformed data URL", models.ErrValidation)
		}
		payload = payload[comma+1:]
	}

	// Size check before decoding, base64 inflates by 4/3.
	if int64(len(payload)) > s.maxBytes/3*4+4 {
		return "", fmt.Errorf("%w: image is larger than %d bytes", models.ErrValidation, s.maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("%w: image is not valid base64", models.ErrValidation)
		}
	}
	return s.save(userID, data)
}

// Save stores an image read from r and returns its URL.
func (s *Service) Save(userID string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	return s.save(userID, data)
}

func (s *Service) save(userID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty image", models.ErrValidation)
	}
	if int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("%w: image is larger than %d bytes", models.ErrValidation, s.maxBytes)
	}
	if !filetype.IsImage(data) {
		return "", fmt.Errorf("%w: unsupported image type", models.ErrValidation)
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return "", fmt.Errorf("%w: unsupported image type", models.ErrValidation)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := s.files.Save(bytes.NewReader(data), hash); err != nil {
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	_, err = s.meta.PutFileMetadata(storage.FileMetadata{
		ID:        hash,
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: s.now().UnixMilli(),
		UserID:    userID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store image metadata: %w", err)
	}

	return URLPrefix + hash, nil
}

// Open returns the image content and its metadata. The caller closes the reader.
func (s *Service) Open(hash string) (io.ReadCloser, storage.FileMetadata, error) {
	if !hashRegex.MatchString(hash) {
		return nil, storage.FileMetadata{}, fmt.Errorf("%w: image not found", models.ErrNotFound)
	}
	meta, err := s.meta.GetFileMetadata(hash)
	if err != nil {
		return nil, storage.FileMetadata{}, err
	}
	rc, err := s.files.Get(hash)
	if err != nil {
		return nil, storage.FileMetadata{}, err
	}
	return rc, meta, nil
}
