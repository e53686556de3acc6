package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reportline/internal/engine"
	"reportline/internal/envelope"
	"reportline/internal/reaper"
	"reportline/internal/transport"
)

// DeadLetterStore peeks and replays parked messages; transport.DeadLetters
// implements it.
type DeadLetterStore interface {
	List(ctx context.Context, rt envelope.RequestType, limit int) ([]transport.DeadLetter, error)
	Replay(ctx context.Context, pub transport.Publisher, rt envelope.RequestType, limit int) (int, error)
}

// ReaperRunner triggers one reaper pass.
type ReaperRunner interface {
	RunOnce(ctx context.Context) (reaper.Report, error)
}

// Config for the ops API handler. DeadLetters, Publisher and Reaper are
// optional; their endpoints answer 503 when unset.
type Config struct {
	Engine      engine.Engine
	DeadLetters DeadLetterStore
	Publisher   transport.Publisher
	Reaper      ReaperRunner
	BasePath    string
	Auth        AuthConfig
	Logger      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"launch not found: 5c1f..."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errUnavailable = errors.New("not available in this process")

// New returns an HTTP handler exposing the ops API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("reportline ops API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerLaunches(group, cfg.Engine)
	registerDeadLetters(group, cfg)
	registerReaper(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	msg := err.Error()
	switch {
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case engine.IsValidation(err):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, errUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>reportline ops API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectsResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectsResponse `json:"body"`
		}{Body: ProjectsResponse{Items: mapProjects(items)}}, nil
	})
}

type launchPath struct {
	UUID string `path:"uuid"`
}

func registerLaunches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-launch",
		Method:      http.MethodGet,
		Path:        "/launches/{uuid}",
		Summary:     "Get a launch with its item status counts",
	}, func(ctx context.Context, input *launchPath) (*struct {
		Body LaunchResponse `json:"body"`
	}, error) {
		sum, err := e.GetLaunch(ctx, input.UUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LaunchResponse `json:"body"`
		}{Body: mapLaunch(sum)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-launch-items",
		Method:      http.MethodGet,
		Path:        "/launches/{uuid}/items",
		Summary:     "List the test items of a launch",
	}, func(ctx context.Context, input *launchPath) (*struct {
		Body ItemsResponse `json:"body"`
	}, error) {
		items, err := e.ListItems(ctx, input.UUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemsResponse `json:"body"`
		}{Body: ItemsResponse{Items: mapItems(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-launch-events",
		Method:      http.MethodGet,
		Path:        "/launches/{uuid}/events",
		Summary:     "Activity log of a launch",
	}, func(ctx context.Context, input *launchPath) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		sum, err := e.GetLaunch(ctx, input.UUID)
		if err != nil {
			return nil, handleError(err)
		}
		evs, err := e.Repo.ListEvents(ctx, sum.Launch.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: mapEvents(evs)}}, nil
	})
}

type deadLetterInput struct {
	RequestType string `path:"request_type" doc:"Request type, e.g. finish_launch"`
	Limit       int    `query:"limit" minimum:"0" maximum:"1000" default:"100"`
}

func (in deadLetterInput) parse() (envelope.RequestType, huma.StatusError) {
	rt, ok := envelope.ParseRequestType(in.RequestType)
	if !ok {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "unknown request type "+in.RequestType, nil)
	}
	return rt, nil
}

func registerDeadLetters(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dlq/{request_type}",
		Summary:     "Peek dead letters of a request type",
	}, func(ctx context.Context, input *deadLetterInput) (*struct {
		Body DeadLettersResponse `json:"body"`
	}, error) {
		rt, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		if cfg.DeadLetters == nil {
			return nil, handleError(fmt.Errorf("dead letters: %w", errUnavailable))
		}
		items, err := cfg.DeadLetters.List(ctx, rt, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeadLettersResponse `json:"body"`
		}{Body: DeadLettersResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "replay-dead-letters",
		Method:        http.MethodPost,
		Path:          "/dlq/{request_type}/replay",
		Summary:       "Republish dead letters to their entry queue",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *deadLetterInput) (*struct {
		Body ReplayResponse `json:"body"`
	}, error) {
		rt, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		if cfg.DeadLetters == nil || cfg.Publisher == nil {
			return nil, handleError(fmt.Errorf("dead-letter replay: %w", errUnavailable))
		}
		n, err := cfg.DeadLetters.Replay(ctx, cfg.Publisher, rt, normalizeLimit(input.Limit))
		if err != nil {
			cfg.Logger.Warn("dead-letter replay stopped", "request_type", string(rt), "replayed", n, "err", err)
			return nil, handleError(err)
		}
		cfg.Logger.Info("dead letters replayed", "request_type", string(rt), "replayed", n, "actor", actorFromContext(ctx))
		return &struct {
			Body ReplayResponse `json:"body"`
		}{Body: ReplayResponse{RequestType: string(rt), Replayed: n}}, nil
	})
}

func registerReaper(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-reaper",
		Method:        http.MethodPost,
		Path:          "/reaper/run",
		Summary:       "Run one timeout reaper pass",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reaper.Report `json:"body"`
	}, error) {
		if cfg.Reaper == nil {
			return nil, handleError(fmt.Errorf("reaper: %w", errUnavailable))
		}
		rep, err := cfg.Reaper.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Logger.Info("reaper pass triggered", "actor", actorFromContext(ctx), "interrupted", rep.Interrupted)
		return &struct {
			Body reaper.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}
