package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/roomchat/roomchat/config"
)

type FilesystemStorage struct {
	basePath string
	baseUrl  string
	maxSize  int64
}

func NewFilesystemStorage(cfg config.UploadConfig) (*FilesystemStorage, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("could not create upload directory: %w", err)
	}
	return &FilesystemStorage{basePath: cfg.Path, baseUrl: cfg.BaseUrl, maxSize: cfg.MaxSize}, nil
}

func (s *FilesystemStorage) Store(_ context.Context, r io.Reader, fileName, mimeType string) (*Blob, error) {
	blob, data, err := prepare(r, fileName, mimeType, s.maxSize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.basePath, blob.Key), data, 0o644); err != nil {
		return nil, err
	}
	blob.Url = joinUrl(s.baseUrl, blob.Key)
	return blob, nil
}

// Handler serves the stored files below the configured base url.
func (s *FilesystemStorage) Handler() http.Handler {
	return http.StripPrefix(s.baseUrl, http.FileServer(http.Dir(s.basePath)))
}

func (s *FilesystemStorage) BaseUrl() string {
	return s.baseUrl
}
