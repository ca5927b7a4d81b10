// Package server exposes the coordination engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"civimend/internal/domain"
	"civimend/internal/engine"
	"civimend/internal/repo"
)

// IntentRetrier requeues a failed ledger intent. Implemented by the
// reconcile dispatcher.
type IntentRetrier interface {
	Retry(ctx context.Context, intentID string) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Retrier  IntentRetrier
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"worker already has a pending bid"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Civimend API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Civimend API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGrievances(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerBallots(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerRegistry(group, cfg.Engine)
	registerLedger(group, cfg.Engine, cfg.Retrier)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)

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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ae engine.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var xe engine.ExternalServiceError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"service": xe.Service})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type pageInput struct {
	Page int `query:"page" default:"1"`
	Size int `query:"size" default:"20"`
}

func (p pageInput) page() repo.Page {
	return repo.Page{Page: p.Page, Size: p.Size}
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

func registerGrievances(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-grievance",
		Method:        http.MethodPost,
		Path:          "/grievances",
		Summary:       "File a grievance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateGrievanceRequest `json:"body"`
	}) (*struct {
		Body domain.Grievance `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.SubmitGrievance(ctx, engine.GrievanceCreateOptions{
			CitizenID:   p.ActorID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Category:    input.Body.Category,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Grievance `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-grievances",
		Method:      http.MethodGet,
		Path:        "/grievances",
		Summary:     "List grievances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Category  string `query:"category"`
		Priority  string `query:"priority"`
		CitizenID string `query:"citizen_id"`
		pageInput
	}) (*struct {
		Body paginatedGrievances `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.ListGrievances(ctx, repo.GrievanceFilters{
			Status:    input.Status,
			Category:  input.Category,
			Priority:  input.Priority,
			CitizenID: input.CitizenID,
		}, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Grievance{}
		}
		return &struct {
			Body paginatedGrievances `json:"body"`
		}{Body: paginatedGrievances{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-grievance",
		Method:      http.MethodGet,
		Path:        "/grievances/{id}",
		Summary:     "Get grievance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Grievance `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.GetGrievance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Grievance `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-grievance",
		Method:      http.MethodPatch,
		Path:        "/grievances/{id}",
		Summary:     "Update grievance",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateGrievanceRequest `json:"body"`
	}) (*struct {
		Body domain.Grievance `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.UpdateGrievance(ctx, engine.GrievanceUpdateOptions{
			ID:          input.ID,
			ActorID:     p.ActorID,
			Steward:     p.IsSteward(),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Category:    input.Body.Category,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Grievance `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-grievance",
		Method:      http.MethodDelete,
		Path:        "/grievances/{id}",
		Summary:     "Delete pending grievance",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteGrievance(ctx, input.ID, p.ActorID, p.IsSteward()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "classify-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/classify",
		Summary:     "Apply classification",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body ClassifyGrievanceRequest `json:"body"`
	}) (*struct {
		Body domain.Grievance `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.ApplyClassification(ctx, input.ID, engine.Classification{
			Category: input.Body.Category,
			Priority: input.Body.Priority,
			Tags:     input.Body.Tags,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Grievance `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-grievance",
		Method:      http.MethodPost,
		Path:        "/grievances/{id}/activate",
		Summary:     "Open grievance for bidding",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Grievance `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.ActivateGrievance(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Grievance `json:"body"`
		}{Body: g}, nil
	})
}

func registerBids(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/grievances/{id}/bids",
		Summary:       "Submit a bid",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body CreateBidRequest `json:"body"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SubmitBid(ctx, engine.BidCreateOptions{
			GrievanceID: input.ID,
			WorkerID:    p.ActorID,
			Amount:      input.Body.Amount,
			Proposal:    input.Body.Proposal,
			EtaHours:    input.Body.EtaHours,
			Skills:      input.Body.Skills,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/grievances/{id}/bids",
		Summary:     "List bids on a grievance",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		pageInput
	}) (*struct {
		Body paginatedBids `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.ListBids(ctx, input.ID, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Bid{}
		}
		return &struct {
			Body paginatedBids `json:"body"`
		}{Body: paginatedBids{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bid",
		Method:      http.MethodGet,
		Path:        "/bids/{id}",
		Summary:     "Get bid",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBid(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-bid",
		Method:      http.MethodPost,
		Path:        "/bids/{id}/withdraw",
		Summary:     "Withdraw a pending bid",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.WithdrawBid(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})
}

func registerBallots(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ballot",
		Method:        http.MethodPost,
		Path:          "/grievances/{id}/ballots",
		Summary:       "Open a worker-selection ballot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ballot `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBallot(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ballot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ballots",
		Method:      http.MethodGet,
		Path:        "/ballots",
		Summary:     "List ballots",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GrievanceID string `query:"grievance_id"`
		Status      string `query:"status"`
		pageInput
	}) (*struct {
		Body paginatedBallots `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.ListBallots(ctx, input.GrievanceID, input.Status, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Ballot{}
		}
		return &struct {
			Body paginatedBallots `json:"body"`
		}{Body: paginatedBallots{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ballot",
		Method:      http.MethodGet,
		Path:        "/ballots/{id}",
		Summary:     "Get ballot with live tally",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ballot `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBallot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ballot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/ballots/{id}/votes",
		Summary:     "Cast a delegate vote",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.Ballot `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CastVote(ctx, input.ID, p.ActorID, input.Body.OptionIndex)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ballot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-ballot",
		Method:      http.MethodPost,
		Path:        "/ballots/{id}/cancel",
		Summary:     "Cancel an open ballot",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ballot `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CancelBallot(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ballot `json:"body"`
		}{Body: b}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "execute-winner",
		Method:        http.MethodPost,
		Path:          "/grievances/{id}/execute",
		Summary:       "Execute a winning bid",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ExecuteWinnerRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.BidID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "bid_id is required", nil)
		}
		a, err := e.ExecuteWinner(ctx, input.ID, input.Body.BidID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GrievanceID string `query:"grievance_id"`
		WorkerID    string `query:"worker_id"`
		Status      string `query:"status"`
		pageInput
	}) (*struct {
		Body paginatedAssignments `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.ListAssignments(ctx, repo.AssignmentFilters{
			GrievanceID: input.GrievanceID,
			WorkerID:    input.WorkerID,
			Status:      input.Status,
		}, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Assignment{}
		}
		return &struct {
			Body paginatedAssignments `json:"body"`
		}{Body: paginatedAssignments{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/start",
		Summary:     "Start assigned work",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.StartAssignment(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "progress-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/progress",
		Summary:     "Report work progress",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ProgressAssignment(ctx, input.ID, p.ActorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/complete",
		Summary:     "Submit completion record",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CompletionRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SubmitCompletion(ctx, input.ID, p.ActorID, engine.CompletionOptions{
			Notes:         input.Body.Notes,
			MediaRefs:     input.Body.MediaRefs,
			DurationHours: input.Body.DurationHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	registerConfirm := func(opID, path, side string) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        path,
			Summary:     "Confirm completed work (" + side + ")",
			Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID   string         `path:"id"`
			Body ConfirmRequest `json:"body"`
		}) (*struct {
			Body domain.Assignment `json:"body"`
		}, error) {
			p, authErr := requirePrincipal(ctx)
			if authErr != nil {
				return nil, authErr
			}
			opts := engine.ConfirmationOptions{
				Approved: input.Body.Approved,
				Feedback: input.Body.Feedback,
				Rating:   input.Body.Rating,
			}
			var a domain.Assignment
			var err error
			if side == "citizen" {
				a, err = e.ConfirmCitizen(ctx, input.ID, p.ActorID, opts)
			} else {
				a, err = e.ConfirmDelegate(ctx, input.ID, p.ActorID, opts)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Assignment `json:"body"`
			}{Body: a}, nil
		})
	}
	registerConfirm("confirm-citizen", "/assignments/{id}/confirm/citizen", "citizen")
	registerConfirm("confirm-delegate", "/assignments/{id}/confirm/delegate", "delegate")

	huma.Register(api, huma.Operation{
		OperationID: "unassign",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/unassign",
		Summary:     "Cancel assignment and reopen bidding",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body UnassignRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Unassign(ctx, input.ID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-dispute",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/dispute",
		Summary:     "Raise a dispute",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body DisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RaiseDispute(ctx, input.ID, p.ActorID, engine.DisputeOptions{
			Reason:       input.Body.Reason,
			EvidenceRefs: input.Body.EvidenceRefs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/dispute/resolve",
		Summary:     "Resolve a dispute with a compensation split",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ResolveDispute(ctx, input.ID, p.ActorID, engine.ResolutionOptions{
			CitizenPct: input.Body.CitizenPct,
			WorkerPct:  input.Body.WorkerPct,
			PoolPct:    input.Body.PoolPct,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerRegistry(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-worker",
		Method:      http.MethodPut,
		Path:        "/workers/{id}",
		Summary:     "Register or update a worker",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpsertWorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpsertWorker(ctx, input.ID, input.Body.Name, input.Body.Reputation, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
	}, func(ctx context.Context, input *struct {
		pageInput
	}) (*struct {
		Body paginatedWorkers `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.Repo.ListWorkers(ctx, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Worker{}
		}
		return &struct {
			Body paginatedWorkers `json:"body"`
		}{Body: paginatedWorkers{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-delegate",
		Method:      http.MethodPut,
		Path:        "/delegates/{id}",
		Summary:     "Register or update a delegate",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpsertDelegateRequest `json:"body"`
	}) (*struct {
		Body domain.Delegate `json:"body"`
	}, error) {
		p, authErr := requireSteward(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpsertDelegate(ctx, input.ID, input.Body.Name, input.Body.Weight, input.Body.Active, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Delegate `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegates",
		Method:      http.MethodGet,
		Path:        "/delegates",
		Summary:     "List delegates",
	}, func(ctx context.Context, input *struct {
		pageInput
	}) (*struct {
		Body paginatedDelegates `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.Repo.ListDelegates(ctx, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Delegate{}
		}
		return &struct {
			Body paginatedDelegates `json:"body"`
		}{Body: paginatedDelegates{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})
}

func registerLedger(api huma.API, e *engine.Engine, retrier IntentRetrier) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/ledger/intents",
		Summary:     "List ledger intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		pageInput
	}) (*struct {
		Body paginatedIntents `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, total, err := e.ListIntents(ctx, input.Status, input.page())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.LedgerIntent{}
		}
		return &struct {
			Body paginatedIntents `json:"body"`
		}{Body: paginatedIntents{Items: items, pageMeta: meta(input.Page, input.Size, total)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/ledger/intents/{id}",
		Summary:     "Get ledger intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.LedgerIntent `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		in, err := e.GetIntent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LedgerIntent `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-intent",
		Method:      http.MethodPost,
		Path:        "/ledger/intents/{id}/retry",
		Summary:     "Requeue a failed intent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.LedgerIntent `json:"body"`
	}, error) {
		if _, authErr := requireSteward(ctx); authErr != nil {
			return nil, authErr
		}
		if retrier == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reconciliation dispatcher not running", nil)
		}
		if err := retrier.Retry(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		in, err := e.GetIntent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LedgerIntent `json:"body"`
		}{Body: in}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit       int    `query:"limit" default:"50"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		GrievanceID string `query:"grievance_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.GrievanceID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireSteward(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and key are required", nil)
		}
		key, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APIKey `json:"body"`
		}{Body: key}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireSteward(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireSteward(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
