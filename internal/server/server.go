package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"herdline/internal/domain"
	"herdline/internal/engine"
	"herdline/internal/feed"
	"herdline/internal/logging"
	"herdline/internal/metrics"
	"herdline/internal/photos"
	"herdline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// UploadsPerMinute caps photo uploads per owner; 0 disables the limit.
	UploadsPerMinute int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the herdline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Herdline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSchedule(group)
	registerProjects(group, cfg.Engine)
	registerDays(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerUploads(router, basePath, cfg.Engine, newUploadLimiter(cfg.UploadsPerMinute))
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

	return router, nil
}

// requestLogger tags each request with a zap logger carrying the request id
// and records the request duration by route pattern.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			l := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithContext(r.Context(), l)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequestDuration(r.Method, route, strconv.Itoa(status), elapsed)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
			}
			if status >= http.StatusInternalServerError {
				l.Error("request failed", fields...)
				return
			}
			l.Debug("request", fields...)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, photos.ErrBlobNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "photo not found", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "project not found", nil)
	case errors.Is(err, repo.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "forbidden", "project belongs to another owner", nil)
	case errors.Is(err, engine.ErrAdminRequired):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrInvalidWeight),
		errors.Is(err, domain.ErrUnknownAnimal),
		errors.Is(err, domain.ErrFutureDate),
		errors.Is(err, domain.ErrInvalidDate),
		errors.Is(err, domain.ErrInvalidTaskKey),
		errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		logging.FromContext(ctx, nil).Error("internal error", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseDate(s string) (domain.Date, huma.StatusError) {
	if strings.TrimSpace(s) == "" {
		return domain.Date{}, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return domain.Date{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"date": s})
	}
	return d, nil
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(specPath))
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):   true,
		path.Join(basePath, "schedule"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Herdline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>window.ui = SwaggerUIBundle({url: %q, dom_id: "#swagger-ui"});</script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSchedule(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Preview the daily schedule for an animal and weight",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Animal   string  `query:"animal" required:"true"`
		WeightKg float64 `query:"weight_kg" required:"true"`
		Day      int     `query:"day" default:"1"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		animal, err := domain.ParseAnimalKind(input.Animal)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if err := feed.ValidateWeight(input.WeightKg); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: scheduleResponse(animal, input.WeightKg, input.Day)}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		animal, err := domain.ParseAnimalKind(input.Body.AnimalKind)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		acquired, derr := parseDate(input.Body.AcquisitionDate)
		if derr != nil {
			return nil, derr
		}
		p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
			OwnerID:         actor.ID,
			Name:            input.Body.Name,
			AnimalKind:      animal,
			AcquisitionDate: acquired,
			WeightKg:        input.Body.WeightKg,
			CheckPeriodDays: input.Body.CheckPeriodDays,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Today())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the caller's projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, actor, false)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items, e.Today())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-projects",
		Method:      http.MethodGet,
		Path:        "/admin/projects",
		Summary:     "List every project (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, actor, true)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items, e.Today())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Today())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project and release its photos",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body DeleteProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DeleteProject(ctx, input.ProjectID, actor.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body DeleteProjectResponse `json:"body"`
		}{Body: DeleteProjectResponse{Released: refStrings(res.Released), BlobDeleteErrors: res.BlobDeleteErrs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-weight",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/weight",
		Summary:     "Record a weigh-in and recompute the feed tier",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      UpdateWeightRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateWeight(ctx, input.ProjectID, actor.ID, input.Body.WeightKg)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, e.Today())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dashboard",
		Summary:     "Daily dashboard; fires the feed tier checkpoint when due",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Date      string `query:"date" doc:"YYYY-MM-DD, defaults to today"`
	}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		date, derr := parseDate(input.Date)
		if derr != nil {
			return nil, derr
		}
		d, err := e.Dashboard(ctx, input.ProjectID, actor, date)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: dashboardResponse(d, e.Today())}, nil
	})
}

func registerDays(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-day",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/days/{date}",
		Summary:     "Ledger entry for one date",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Date      string `path:"date"`
	}) (*struct {
		Body DayResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		date, err := domain.ParseDate(input.Date)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		completions, dayPhotos, err := e.Day(ctx, input.ProjectID, actor, date)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body DayResponse `json:"body"`
		}{Body: DayResponse{Date: date.String(), Completions: completionsResponse(completions), Photos: photosResponse(dayPhotos)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-tasks",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/days/{date}/tasks",
		Summary:     "Replace the task completions of a date",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Date      string           `path:"date"`
		Body      SaveTasksRequest `json:"body"`
	}) (*struct {
		Body SaveTasksResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		date, err := domain.ParseDate(input.Date)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		completions := make(map[domain.TaskKey]bool, len(input.Body.Completions))
		for raw, done := range input.Body.Completions {
			key, err := domain.ParseTaskKey(raw)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			completions[key] = done
		}
		res, err := e.RecordTaskCompletion(ctx, input.ProjectID, actor.ID, date, completions)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SaveTasksResponse `json:"body"`
		}{Body: saveTasksResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Newest events of a project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ProjectEvents(ctx, input.ProjectID, actor, input.Limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
