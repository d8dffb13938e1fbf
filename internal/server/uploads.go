package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"herdline/internal/domain"
	"herdline/internal/engine"
	"herdline/internal/logging"
	"herdline/internal/photos"
)

// multipart overhead allowed on top of the photo budget.
const multipartSlack = 64 << 10

// uploadLimiter hands out one token bucket per owner.
type uploadLimiter struct {
	mu       sync.Mutex
	perMin   int
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUploadLimiter(perMinute int) *uploadLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &uploadLimiter{
		perMin:   perMinute,
		visitors: map[string]*visitor{},
		now:      time.Now,
	}
}

// Allow reports whether owner may upload now. A nil limiter allows everything.
func (l *uploadLimiter) Allow(owner string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > 3*time.Minute {
			delete(l.visitors, id)
		}
	}
	v, ok := l.visitors[owner]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.visitors[owner] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// registerUploads mounts the multipart photo endpoint and the photo download.
// Both sit outside huma: the batch is partially accepted file by file and the
// download is raw bytes.
func registerUploads(r chi.Router, basePath string, e engine.Engine, limiter *uploadLimiter) {
	r.Post(basePath+"/projects/{project_id}/days/{date}/photos", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if !limiter.Allow(actor.ID) {
			w.Header().Set("Retry-After", strconv.Itoa(60/limiter.perMin+1))
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many uploads, try again later", nil))
			return
		}
		date, err := domain.ParseDate(chi.URLParam(req, "date"))
		if err != nil {
			respondStatusError(w, handleError(ctx, err))
			return
		}

		maxBytes := e.Photos.Policy.MaxUploadBytes
		req.Body = http.MaxBytesReader(w, req.Body, maxBytes+multipartSlack)
		if err := req.ParseMultipartForm(maxBytes + multipartSlack); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
					fmt.Sprintf("upload exceeds %d bytes", maxBytes), nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart form", nil))
			return
		}
		defer req.MultipartForm.RemoveAll()

		phase := strings.TrimSpace(req.FormValue("phase"))
		if phase == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "phase is required", nil))
			return
		}
		headers := req.MultipartForm.File["photos"]
		if len(headers) == 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "no photos in request", nil))
			return
		}
		uploads := make([]photos.Upload, 0, len(headers))
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable upload", nil))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable upload", nil))
				return
			}
			uploads = append(uploads, photos.Upload{Filename: fh.Filename, Data: data})
		}

		res, err := e.AttachPhotos(ctx, chi.URLParam(req, "project_id"), actor.ID, date, phase, uploads)
		if err != nil {
			respondStatusError(w, handleError(ctx, err))
			return
		}
		logging.FromContext(ctx, nil).Info("photos attached",
			zap.String("project_id", chi.URLParam(req, "project_id")),
			zap.Int("accepted", len(res.Accepted)),
			zap.Int("skipped", len(res.Skipped)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(attachResponse(res))
	})

	r.Get(basePath+"/projects/{project_id}/photos/{ref}", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		data, contentType, err := e.Photo(ctx, chi.URLParam(req, "project_id"), actor, domain.PhotoRef(chi.URLParam(req, "ref")))
		if err != nil {
			respondStatusError(w, handleError(ctx, err))
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "private, max-age=86400")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}
