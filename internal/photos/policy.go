package photos

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"herdline/internal/config"
	"herdline/internal/domain"
)

// InvalidFileError rejects a single upload; the rest of the batch carries on.
type InvalidFileError struct {
	Filename string
	Reason   string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid file %q: %s", e.Filename, e.Reason)
}

// Upload is one file of a multipart batch.
type Upload struct {
	Filename string
	Data     []byte
}

type Policy struct {
	AllowedExtensions []string
	MaxUploadBytes    int64
}

func PolicyFromConfig(cfg config.PhotoConfig) Policy {
	return Policy{AllowedExtensions: cfg.AllowedExtensions, MaxUploadBytes: cfg.MaxUploadBytes}
}

// Uploader validates uploads and writes accepted ones to Store.
type Uploader struct {
	Store  Store
	Policy Policy
	NewID  func() string
}

// Save stores one upload under a fresh ref. budget is the number of bytes the
// batch may still consume; policy failures are *InvalidFileError.
func (u Uploader) Save(ctx context.Context, up Upload, budget int64) (domain.PhotoRef, error) {
	ext, err := u.Policy.check(up)
	if err != nil {
		return "", err
	}
	if int64(len(up.Data)) > budget {
		return "", &InvalidFileError{Filename: up.Filename, Reason: "upload size limit exceeded"}
	}
	newID := u.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	ref := RefFor(newID(), up.Filename)
	if err := u.Store.Put(ctx, ref, up.Data, mimeFor(ext)); err != nil {
		return "", err
	}
	return ref, nil
}

func (p Policy) check(up Upload) (string, error) {
	if up.Filename == "" {
		return "", &InvalidFileError{Reason: "missing filename"}
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(up.Filename), "."))
	if !p.allowed(ext) {
		return "", &InvalidFileError{Filename: up.Filename, Reason: fmt.Sprintf("extension %q not allowed", ext)}
	}
	if len(up.Data) == 0 {
		return "", &InvalidFileError{Filename: up.Filename, Reason: "empty file"}
	}
	if !strings.HasPrefix(http.DetectContentType(up.Data), "image/") {
		return "", &InvalidFileError{Filename: up.Filename, Reason: "not an image"}
	}
	return ext, nil
}

func (p Policy) allowed(ext string) bool {
	if ext == "" {
		return false
	}
	for _, a := range p.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

// RefFor builds "<id>_<sanitized name>".
func RefFor(id, filename string) domain.PhotoRef {
	return domain.PhotoRef(id + "_" + Sanitize(filename))
}

// Sanitize reduces a client filename to ASCII letters, digits, '.', '-' and '_'.
func Sanitize(filename string) string {
	name := filename
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	if out == "" {
		return "photo"
	}
	return out
}

// ContentType returns the media type of a stored ref from its extension.
func ContentType(ref domain.PhotoRef) string {
	return mimeFor(strings.ToLower(strings.TrimPrefix(path.Ext(string(ref)), ".")))
}

func mimeFor(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	}
	return "application/octet-stream"
}
