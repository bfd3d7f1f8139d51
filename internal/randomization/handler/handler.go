package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"trialrand/internal/randomization/healthcheck"
	"trialrand/internal/randomization/models"
	dErrors "trialrand/pkg/domain-errors"
	"trialrand/pkg/platform/httputil"
	"trialrand/pkg/platform/middleware/auth"
	"trialrand/pkg/platform/middleware/metadata"
	"trialrand/pkg/platform/middleware/request"
	"trialrand/pkg/platform/middleware/requesttime"
	"trialrand/pkg/requestcontext"
)

// Service is the allocation surface, keyed by scheme name.
type Service interface {
	Allocate(ctx context.Context, scheme, site, subject, actor string, at time.Time) (*models.AllocationResult, error)
	Lookup(ctx context.Context, scheme, subject string) (*models.AllocationResult, error)
	Verify(ctx context.Context, scheme, site string, sequenceID int, actor string, at time.Time) (*models.ListRecord, error)
}

// CheckReporter exposes the latest health check report.
type CheckReporter interface {
	Last() (healthcheck.Report, time.Time)
}

// Handler serves the allocation API.
type Handler struct {
	logger       *slog.Logger
	service      Service
	checks       CheckReporter
	jwtValidator auth.JWTValidator
	timeout      time.Duration
}

// New creates a new randomization Handler. checks may be nil when no health
// runner is configured.
func New(service Service, checks CheckReporter, logger *slog.Logger, jwtValidator auth.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		checks:       checks,
		jwtValidator: jwtValidator,
		timeout:      30 * time.Second,
	}
}

// Register registers the randomization routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(request.Recovery(h.logger))
	router.Use(request.RequestID)
	router.Use(metadata.ClientMetadata)
	router.Use(requesttime.Middleware)
	router.Use(request.Logger(h.logger))
	router.Use(chimw.Timeout(h.timeout))
	router.Use(auth.RequireAuth(h.jwtValidator, h.logger))

	router.Post("/schemes/{scheme}/allocations", h.handleAllocate)
	router.Get("/schemes/{scheme}/allocations/{subject}", h.handleLookup)
	router.Post("/schemes/{scheme}/sites/{site}/records/{sid}/verification", h.handleVerify)
	router.Get("/checks", h.handleChecks)

	r.Mount("/", router)
}

type allocateRequest struct {
	Site              string `json:"site"`
	SubjectIdentifier string `json:"subject_identifier"`
}

type allocationResponse struct {
	Scheme            string    `json:"scheme"`
	SiteName          string    `json:"site_name"`
	SequenceID        int       `json:"sequence_id"`
	SubjectIdentifier string    `json:"subject_identifier"`
	AllocatedAt       time.Time `json:"allocated_at"`
	Assignment        string    `json:"assignment,omitempty"`
	Description       string    `json:"description,omitempty"`
}

type verificationResponse struct {
	SiteName          string     `json:"site_name"`
	SequenceID        int        `json:"sequence_id"`
	SubjectIdentifier string     `json:"subject_identifier"`
	Verified          bool       `json:"verified"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	VerifiedBy        string     `json:"verified_by,omitempty"`
	Assignment        string     `json:"assignment,omitempty"`
}

type findingResponse struct {
	ID       string `json:"id"`
	Check    string `json:"check"`
	Scheme   string `json:"scheme"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type checksResponse struct {
	CheckedAt *time.Time        `json:"checked_at,omitempty"`
	Findings  []findingResponse `json:"findings"`
	Blocking  []findingResponse `json:"blocking"`
}

// toAllocationResponse blinds the result unless the caller may see
// assignments.
func toAllocationResponse(ctx context.Context, res *models.AllocationResult) allocationResponse {
	resp := allocationResponse{
		Scheme:            res.Scheme,
		SiteName:          res.SiteName,
		SequenceID:        res.SequenceID,
		SubjectIdentifier: res.SubjectIdentifier,
		AllocatedAt:       res.AllocatedAt,
	}
	if auth.HasPermission(ctx, auth.PermissionDisplayAssignment) {
		resp.Assignment = string(res.Assignment)
		resp.Description = res.Description
	}
	return resp
}

func toFindings(findings []models.Finding) []findingResponse {
	out := make([]findingResponse, 0, len(findings))
	for _, f := range findings {
		out = append(out, findingResponse{
			ID:       f.ID,
			Check:    f.Check,
			Scheme:   f.Scheme,
			Severity: string(f.Severity),
			Message:  f.Message,
		})
	}
	return out
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme := chi.URLParam(r, "scheme")

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid allocation request",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Site == "" || req.SubjectIdentifier == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "site and subject_identifier are required"))
		return
	}

	res, err := h.service.Allocate(ctx, scheme, req.Site, req.SubjectIdentifier, requestcontext.Actor(ctx), requestcontext.Now(ctx))
	if err != nil {
		h.writeError(ctx, w, "allocation failed", scheme, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toAllocationResponse(ctx, res))
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme := chi.URLParam(r, "scheme")

	res, err := h.service.Lookup(ctx, scheme, chi.URLParam(r, "subject"))
	if err != nil {
		h.writeError(ctx, w, "lookup failed", scheme, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAllocationResponse(ctx, res))
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheme := chi.URLParam(r, "scheme")

	sid, err := strconv.Atoi(chi.URLParam(r, "sid"))
	if err != nil || sid <= 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "sequence id must be a positive integer"))
		return
	}

	rec, err := h.service.Verify(ctx, scheme, chi.URLParam(r, "site"), sid, requestcontext.Actor(ctx), requestcontext.Now(ctx))
	if err != nil {
		h.writeError(ctx, w, "verification failed", scheme, err)
		return
	}
	resp := verificationResponse{
		SiteName:          rec.SiteName,
		SequenceID:        rec.SequenceID,
		SubjectIdentifier: rec.SubjectIdentifier,
		Verified:          rec.Verified,
		VerifiedAt:        rec.VerifiedAt,
		VerifiedBy:        rec.VerifiedBy,
	}
	if auth.HasPermission(ctx, auth.PermissionDisplayAssignment) {
		resp.Assignment = string(rec.Assignment)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChecks(w http.ResponseWriter, r *http.Request) {
	resp := checksResponse{Findings: []findingResponse{}, Blocking: []findingResponse{}}
	if h.checks != nil {
		report, at := h.checks.Last()
		if !at.IsZero() {
			resp.CheckedAt = &at
		}
		resp.Findings = toFindings(report.Findings())
		resp.Blocking = toFindings(report.Blocking())
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, msg, scheme string, err error) {
	status := httputil.StatusFor(err)
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"scheme", scheme,
		"code", dErrors.CodeOf(err),
		"error", err.Error(),
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
