package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"studentvc/internal/issuance"
	"studentvc/internal/ratelimit"
	"studentvc/internal/verify"
	dErrors "studentvc/pkg/domain-errors"
	"studentvc/pkg/platform/httputil"
	"studentvc/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

// Service defines the credential operations exposed over HTTP.
type Service interface {
	Issue(ctx context.Context, req issuance.IssueRequest) (*issuance.IssueResult, error)
	Verify(ctx context.Context, tok string) (*verify.Result, error)
	VerifyStored(ctx context.Context, subjectID string) (*issuance.Summary, error)
	List(ctx context.Context) ([]issuance.Summary, error)
	Revoke(ctx context.Context, subjectID string) error
	Reactivate(ctx context.Context, subjectID string) error
	RevokeMany(ctx context.Context, subjectIDs []string) ([]string, error)
}

// Handler wires credential endpoints to the issuance service.
type Handler struct {
	service Service
	logger  *slog.Logger
	limits  *ratelimit.Middleware
}

type Option func(*Handler)

// WithRateLimit applies per-class request budgets to the routes.
func WithRateLimit(m *ratelimit.Middleware) Option {
	return func(h *Handler) {
		h.limits = m
	}
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts credential endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	issue := h.limits.Limit(ratelimit.ClassIssue)
	read := h.limits.Limit(ratelimit.ClassRead)

	r.Route("/v1/credentials", func(r chi.Router) {
		r.With(issue).Post("/", h.HandleIssue)
		r.With(read).Get("/", h.HandleList)
		r.With(issue).Post("/revoke", h.HandleRevokeMany)
		r.With(read).Get("/{subjectID}", h.HandleGet)
		r.With(issue).Post("/{subjectID}/revoke", h.HandleRevoke)
		r.With(issue).Post("/{subjectID}/reactivate", h.HandleReactivate)
	})
	r.With(h.limits.Limit(ratelimit.ClassVerify)).Post("/v1/verify", h.HandleVerify)
}

// HandleIssue handles POST /v1/credentials.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeJSON[IssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	domainReq, err := req.Prepare()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Issue(ctx, domainReq)
	if err != nil {
		h.logFailure(ctx, "credential issuance failed", err, "subject_id", domainReq.SubjectID)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "credential issued",
		"request_id", requestID,
		"subject_id", domainReq.SubjectID,
		"credential_id", result.Credential.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, IssueResponse{
		Token:      result.Token,
		Credential: result.Credential,
		Record:     result.Record,
	})
}

// HandleVerify handles POST /v1/verify. Rejected tokens are still a 200: the
// body carries the verdict.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[VerifyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "token is required"))
		return
	}

	res, err := h.service.Verify(ctx, req.Token)
	if err != nil {
		h.logFailure(ctx, "verification failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromResult(res))
}

// HandleList handles GET /v1/credentials.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sums, err := h.service.List(ctx)
	if err != nil {
		h.logFailure(ctx, "list credentials failed", err)
		httputil.WriteError(w, err)
		return
	}
	out := ListResponse{Credentials: make([]SummaryResponse, 0, len(sums)), Count: len(sums)}
	for _, s := range sums {
		out.Credentials = append(out.Credentials, FromSummary(s))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGet handles GET /v1/credentials/{subjectID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := chi.URLParam(r, "subjectID")
	sum, err := h.service.VerifyStored(ctx, subjectID)
	if err != nil {
		h.logFailure(ctx, "load credential failed", err, "subject_id", subjectID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSummary(*sum))
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	h.handleStatus(w, r, h.service.Revoke, "revoked")
}

func (h *Handler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	h.handleStatus(w, r, h.service.Reactivate, "reactivated")
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error, verb string) {
	ctx := r.Context()
	subjectID := chi.URLParam(r, "subjectID")
	if err := apply(ctx, subjectID); err != nil {
		h.logFailure(ctx, "status change failed", err, "subject_id", subjectID, "action", verb)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "credential "+verb,
		"request_id", requestcontext.RequestID(ctx),
		"subject_id", subjectID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeMany handles POST /v1/credentials/revoke.
func (h *Handler) HandleRevokeMany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeJSON[RevokeManyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if len(req.SubjectIDs) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "subject_ids is required"))
		return
	}
	revoked, err := h.service.RevokeMany(ctx, req.SubjectIDs)
	if err != nil {
		h.logFailure(ctx, "bulk revoke failed", err, "count", len(req.SubjectIDs))
		httputil.WriteError(w, err)
		return
	}
	if revoked == nil {
		revoked = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, RevokeManyResponse{Revoked: revoked})
}

// logFailure logs client errors at warn and everything else at error.
func (h *Handler) logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	attrs = append(attrs, "request_id", requestcontext.RequestID(ctx), "error", err)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}
