package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rtsfleet/internal/app"
	"rtsfleet/internal/domain"
	"rtsfleet/internal/inventory"
	"rtsfleet/internal/kv"
	"rtsfleet/internal/registry"
	"rtsfleet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Services *app.Services
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"device not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the runner API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Services == nil {
		return nil, errors.New("server: services are required")
	}
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("RTS Runner API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "")
	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	s := cfg.Services
	registerDocs(router, basePath)
	registerHealth(group, s)
	registerStatus(group, s)
	registerDevices(group, s)
	registerQueue(group, s)
	registerTaskStatus(group, s)
	registerProcessing(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", ww.Status()))
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, repo.ErrNotFound) || errors.Is(err, kv.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, app.ErrNotConfigured) {
		return newAPIError(http.StatusServiceUnavailable, "not_configured", err.Error(), nil)
	}
	var upstream *kv.APIError
	if errors.As(err, &upstream) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": upstream.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "not_configured"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>RTS Runner API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func deviceType(s *app.Services) string {
	if s.Config.Device.Type != "" {
		return s.Config.Device.Type
	}
	return inventory.DeviceTypeHeadless
}

func registerHealth(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{OK: true, DeviceID: s.Device.ID, DeviceType: deviceType(s)}}, nil
	})
}

func registerStatus(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Runner configuration and state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		out := StatusResponse{
			OK:                   true,
			DeviceID:             s.Device.ID,
			DeviceName:           s.Device.Name,
			DeviceType:           deviceType(s),
			CloudflareConfigured: s.Remote(),
			GithubPaths:          append([]string{}, s.Config.Repos.Paths...),
			Processing:           s.Processor.Busy(),
		}
		if id := s.NamespaceID(); id != "" {
			out.NamespaceID = &id
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: out}, nil
	})
}

type devicePath struct {
	DeviceID string `path:"device_id"`
}

func registerDevices(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List registered devices",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"on,off" required:"false"`
	}) (*struct {
		Body []domain.Device `json:"body"`
	}, error) {
		devices, err := s.Registry.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]domain.Device, 0, len(devices))
		for _, d := range devices {
			if input.Status != "" && d.Status != input.Status {
				continue
			}
			out = append(out, d)
		}
		return &struct {
			Body []domain.Device `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/devices/{device_id}",
		Summary:     "Get device",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *devicePath) (*struct {
		Body domain.Device `json:"body"`
	}, error) {
		d, err := s.Registry.Get(ctx, input.DeviceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Device `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-device-repos",
		Method:      http.MethodGet,
		Path:        "/devices/{device_id}/repos",
		Summary:     "Repositories published by a device",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *devicePath) (*struct {
		Body []domain.RepoRef `json:"body"`
	}, error) {
		d, err := s.Registry.Get(ctx, input.DeviceID)
		if err != nil {
			return nil, handleError(err)
		}
		repos := d.Repos
		if repos == nil {
			repos = []domain.RepoRef{}
		}
		return &struct {
			Body []domain.RepoRef `json:"body"`
		}{Body: repos}, nil
	})
}

func registerQueue(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/devices/{device_id}/queue",
		Summary:     "Pending tasks of a device",
	}, func(ctx context.Context, input *devicePath) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		tasks, err := s.Queue.List(ctx, input.DeviceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: taskResponses(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/devices/{device_id}/queue",
		Summary:       "Append a task to a device queue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		DeviceID string `path:"device_id"`
		Body     EnqueueRequest
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		task, err := input.Body.toTask()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid attachments", nil)
		}
		if task.Tool == domain.ToolProjectCreate && task.RepoName() == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo.name is required for project:create", nil)
		}
		queued, err := s.Queue.Enqueue(ctx, input.DeviceID, task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Task: taskResponse(queued[len(queued)-1]), QueueLength: len(queued)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-repo",
		Method:        http.MethodPost,
		Path:          "/devices/{device_id}/create-repo",
		Summary:       "Queue creation of an empty repository on a device",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		DeviceID string `path:"device_id"`
		Body     CreateRepoRequest
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		task := domain.QueuedTask{
			Tool:        domain.ToolProjectCreate,
			Repo:        &domain.TaskRepo{Name: name},
			RequestedBy: input.Body.RequestedBy,
		}
		queued, err := s.Queue.Enqueue(ctx, input.DeviceID, task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Task: taskResponse(queued[len(queued)-1]), QueueLength: len(queued)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-queue",
		Method:        http.MethodDelete,
		Path:          "/devices/{device_id}/queue",
		Summary:       "Drop every pending task of a device",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *devicePath) (*struct{}, error) {
		if err := s.Queue.Replace(ctx, input.DeviceID, nil); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTaskStatus(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task-status",
		Method:      http.MethodGet,
		Path:        "/devices/{device_id}/task-status",
		Summary:     "Latest task status of a device",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *devicePath) (*struct {
		Body domain.TaskStatus `json:"body"`
	}, error) {
		st, ok, err := s.Status.Get(ctx, input.DeviceID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no task status for device", map[string]any{"device_id": input.DeviceID})
		}
		return &struct {
			Body domain.TaskStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-status",
		Method:      http.MethodGet,
		Path:        "/task-status",
		Summary:     "Latest task status of every device",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]domain.TaskStatus `json:"body"`
	}, error) {
		all, err := s.Status.All(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]domain.TaskStatus `json:"body"`
		}{Body: all}, nil
	})
}

func registerProcessing(api huma.API, s *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "process-queue",
		Method:      http.MethodPost,
		Path:        "/queue/process",
		Summary:     "Run one queue tick on this device now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		started, err := s.Processor.TryProcess(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: ProcessResponse{Started: started}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "Recent pickups of this device",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"1" maximum:"500" default:"50"`
	}) (*struct {
		Body []JournalEntryResponse `json:"body"`
	}, error) {
		entries, err := s.Journal.Recent(ctx, s.Device.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JournalEntryResponse `json:"body"`
		}{Body: journalResponses(entries)}, nil
	})
}
