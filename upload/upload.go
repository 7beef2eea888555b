package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/roomchat/roomchat/config"
)

var (
	ErrTooLarge = errors.New("file too large")
	ErrEmpty    = errors.New("empty file")
)

// Blob describes a stored file.
type Blob struct {
	Key      string
	Url      string
	FileName string
	Size     int64
	MimeType string
}

// Storage stores uploaded files and returns where they can be fetched.
type Storage interface {
	Store(ctx context.Context, r io.Reader, fileName, mimeType string) (*Blob, error)
}

// NewStorage returns the storage selected by the upload configuration.
func NewStorage(ctx context.Context, cfg config.UploadConfig) (Storage, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemStorage(cfg)
	case "s3":
		return NewS3Storage(ctx, cfg)
	}
	return nil, fmt.Errorf("invalid upload type %q", cfg.Type)
}

// readLimited reads at most maxSize bytes, a longer input results in ErrTooLarge.
func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return data, nil
}

// detectMimeType keeps an explicit type unless it is the generic binary one, in which case the content is sniffed.
func detectMimeType(data []byte, fileName, mimeType string) string {
	if mimeType != "" && mimeType != "application/octet-stream" {
		if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mediaType
}

// objectKey returns a unique key that keeps the (sanitized) extension of the original file name.
func objectKey(fileName string) string {
	ext := strings.ToLower(path.Ext(filepath.Base(fileName)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return ulid.Make().String() + ext
}

func cleanFileName(fileName string) string {
	name := filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	if r := []rune(name); len(r) > 255 {
		name = string(r[:255])
	}
	return name
}

func prepare(r io.Reader, fileName, mimeType string, maxSize int64) (*Blob, []byte, error) {
	data, err := readLimited(r, maxSize)
	if err != nil {
		return nil, nil, err
	}
	fileName = cleanFileName(fileName)
	return &Blob{
		Key:      objectKey(fileName),
		FileName: fileName,
		Size:     int64(len(data)),
		MimeType: detectMimeType(data, fileName, mimeType),
	}, data, nil
}

func joinUrl(baseUrl, key string) string {
	return strings.TrimSuffix(baseUrl, "/") + "/" + key
}

