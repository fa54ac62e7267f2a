package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/util"
)

var (
	// ErrUnsupportedMedia is returned for uploads that are not audio or video.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("upload too large")
	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("upload is empty")
	// ErrOutsideBase is returned when asked to remove a file it does not own.
	ErrOutsideBase = errors.New("path outside uploads directory")
)

// Uploader handles storing temporary uploads on disk.
type Uploader struct {
	baseDir string
}

var allowedMediaMimes = map[string]string{
	common.MimeAudioMPEG: ".mp3",
	common.MimeAudioWAV:  ".wav",
	"audio/x-wav":        ".wav",
	"audio/wave":         ".wav",
	common.MimeAudioOGG:  ".ogg",
	common.MimeAudioFLAC: ".flac",
	"audio/x-flac":       ".flac",
	common.MimeAudioMP4:  ".m4a",
	"audio/x-m4a":        ".m4a",
	"audio/webm":         ".webm",
	common.MimeVideoMP4:  ".mp4",
	common.MimeVideoWebM: ".webm",
	"video/quicktime":    ".mov",
}

var extMimes = map[string]string{
	".mp3":  common.MimeAudioMPEG,
	".wav":  common.MimeAudioWAV,
	".ogg":  common.MimeAudioOGG,
	".oga":  common.MimeAudioOGG,
	".flac": common.MimeAudioFLAC,
	".m4a":  common.MimeAudioMP4,
	".mp4":  common.MimeVideoMP4,
	".webm": common.MimeVideoWebM,
	".mov":  "video/quicktime",
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	abs, err := filepath.Abs(filepath.Join(baseDir, common.UploadsDirName))
	if err != nil {
		abs = filepath.Join(baseDir, common.UploadsDirName)
	}
	return &Uploader{baseDir: abs}
}

// Dir returns the directory uploads are written to.
func (u *Uploader) Dir() string {
	return u.baseDir
}

// Upload describes a stored temporary upload.
type Upload struct {
	Path     string
	MimeType string
	Size     int64
}

// SaveMultipartMedia validates and stores an uploaded audio or video file.
// The returned path is owned by the caller, who must release it with Remove.
func (u *Uploader) SaveMultipartMedia(fileHeader *multipart.FileHeader, maxBytes int64) (Upload, error) {
	if fileHeader == nil {
		return Upload{}, fmt.Errorf("no file provided")
	}
	mimeType := detectMime(fileHeader)
	if !isAllowedMediaMime(mimeType) {
		return Upload{}, fmt.Errorf("%w: %q", ErrUnsupportedMedia, mimeType)
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return Upload{}, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, humanize.IBytes(uint64(fileHeader.Size)), humanize.IBytes(uint64(maxBytes)))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	return u.save(src, mimeType, pickExtension(mimeType, fileHeader.Filename), maxBytes)
}

func (u *Uploader) save(src io.Reader, mimeType, ext string, maxBytes int64) (Upload, error) {
	if err := os.MkdirAll(u.baseDir, 0o750); err != nil {
		return Upload{}, fmt.Errorf("ensure uploads dir: %w", err)
	}
	dstPath := filepath.Join(u.baseDir, util.NewID()+ext)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304 - path built from a random id under baseDir
	if err != nil {
		return Upload{}, fmt.Errorf("create tmp file: %w", err)
	}

	reader := src
	if maxBytes > 0 {
		reader = io.LimitReader(src, maxBytes+1)
	}
	n, copyErr := io.Copy(dst, reader)
	closeErr := dst.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dstPath)
		return Upload{}, fmt.Errorf("copy upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(dstPath)
		return Upload{}, fmt.Errorf("close upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = os.Remove(dstPath)
		return Upload{}, fmt.Errorf("%w: exceeds %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes)))
	case n == 0:
		_ = os.Remove(dstPath)
		return Upload{}, ErrEmpty
	}
	return Upload{Path: dstPath, MimeType: mimeType, Size: n}, nil
}

// Remove deletes a stored upload. Removing a file that is already gone is not
// an error, so redelivered or concurrent cleanups are harmless.
func (u *Uploader) Remove(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(u.baseDir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOutsideBase, path)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// FileInfo is a stored upload seen by a directory scan.
type FileInfo struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// ListOlderThan returns uploads last modified before cutoff. A missing
// uploads directory yields no files.
func (u *Uploader) ListOlderThan(cutoff time.Time) ([]FileInfo, error) {
	entries, err := os.ReadDir(u.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read uploads dir: %w", err)
	}
	var out []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, FileInfo{Path: filepath.Join(u.baseDir, e.Name()), ModTime: info.ModTime(), Size: info.Size()})
		}
	}
	return out, nil
}

func detectMime(fh *multipart.FileHeader) string {
	mimeType := strings.ToLower(strings.TrimSpace(fh.Header.Get("Content-Type")))
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || mimeType == "application/octet-stream" {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if mt, ok := extMimes[ext]; ok {
			return mt
		}
		mimeType = mime.TypeByExtension(ext)
	}
	return mimeType
}

func isAllowedMediaMime(mimeType string) bool {
	_, ok := allowedMediaMimes[strings.ToLower(strings.TrimSpace(mimeType))]
	return ok
}

func pickExtension(mimeType, original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if _, ok := extMimes[ext]; ok {
		return ext
	}
	if ext, ok := allowedMediaMimes[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	return ".bin"
}
