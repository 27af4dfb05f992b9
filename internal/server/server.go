// Package server exposes the authoritative fair API: mission status,
// progress reporting, per-mission ranking, and single-use ticket
// redemption.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fairquest/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	Service  *Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"unknown mission"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the general error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// redemptionError keeps the flat {error: string} body the admin scan
// clients consume.
type redemptionError struct {
	status  int
	Message string `json:"error"`
}

func (e *redemptionError) GetStatus() int { return e.status }
func (e *redemptionError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the fair API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("service required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fairquest API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Service, cfg.Auth)
	registerMissions(group, cfg.Service)
	registerAdmin(group, cfg.Service)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errUnknownMission):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, errUnknownUser):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// handleRedemptionError maps redemption failures onto the flat envelope
// with the server message verbatim.
func handleRedemptionError(err error) huma.StatusError {
	switch {
	case errors.Is(err, errAlreadyUsed):
		return &redemptionError{status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, errNotCompleted), errors.Is(err, errUnknownMission), errors.Is(err, errUnknownUser):
		return &redemptionError{status: http.StatusBadRequest, Message: err.Error()}
	default:
		return &redemptionError{status: http.StatusInternalServerError, Message: "ticket redemption failed"}
	}
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

func registerAuth(api huma.API, svc *Service, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange an entry code for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if input.Body.Code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		u, err := svc.Login(ctx, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := auth.IssueToken(u.ID, u.Name, u.IsAdmin, svc.now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, User: u}}, nil
	})
}

func registerMissions(api huma.API, svc *Service) {
	huma.Register(api, huma.Operation{
		OperationID: "my-missions",
		Method:      http.MethodGet,
		Path:        "/missions/my",
		Summary:     "Caller's mission status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MissionStatus `json:"body"`
	}, error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		statuses, err := svc.MyMissions(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MissionStatus `json:"body"`
		}{Body: statuses}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-progress",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/progress",
		Summary:     "Report mission progress",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string          `path:"mission_id"`
		Body      ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.MissionStatus `json:"body"`
	}, error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := svc.UpdateProgress(ctx, p.UserID, input.MissionID, input.Body.Progress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-complete",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/complete",
		Summary:     "Force-complete a mission",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.MissionStatus `json:"body"`
	}, error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := svc.CompleteMission(ctx, p.UserID, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MissionStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mission-ranking",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/ranking",
		Summary:     "Per-mission leaderboard with rank changes",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Ranking `json:"body"`
	}, error) {
		p, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := svc.MissionRanking(ctx, input.MissionID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ranking `json:"body"`
		}{Body: r}, nil
	})
}

func registerAdmin(api huma.API, svc *Service) {
	huma.Register(api, huma.Operation{
		OperationID: "use-ticket",
		Method:      http.MethodPost,
		Path:        "/admin/tickets/use",
		Summary:     "Redeem a ticket (single use)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body TicketUseRequest `json:"body"`
	}) (*struct {
		Body TicketUseResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.OwnerID <= 0 || input.Body.MissionID == "" {
			return nil, &redemptionError{status: http.StatusBadRequest, Message: "ownerId and missionId are required"}
		}
		missionID, err := svc.UseTicket(ctx, input.Body.OwnerID, input.Body.MissionID)
		if err != nil {
			return nil, handleRedemptionError(err)
		}
		return &struct {
			Body TicketUseResponse `json:"body"`
		}{Body: TicketUseResponse{MissionID: missionID}}, nil
	})
}
