package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/videogen-api/internal/credit"
	"github.com/maauso/videogen-api/internal/generation"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/queue"
)

// StatusChecker runs an interactive provider status check for a job.
type StatusChecker interface {
	CheckStatus(ctx context.Context, jobID string) (generation.StatusReport, error)
}

// Refunder returns the credits reserved for a failed job.
type Refunder interface {
	RefundByID(ctx context.Context, jobID string) bool
}

// Services are the collaborators the handlers depend on.
type Services struct {
	Jobs      job.Repository
	Ledger    credit.Ledger
	Library   library.Repository
	Status    StatusChecker
	Publisher queue.Publisher
	Refunder  Refunder
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	svc       Services
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc Services, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:       svc,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /jobs requests. It reserves credits, persists a
// SUBMITTING job and enqueues its submission.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	source, err := h.svc.Library.Get(ctx, req.MediaID)
	if err != nil {
		if errors.Is(err, library.ErrMediaNotFound) {
			writeError(w, http.StatusNotFound, "source media not found", "MEDIA_NOT_FOUND")
			return
		}
		h.logger.Error("failed to load source media",
			slog.String("media_id", req.MediaID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load source media", "MEDIA_FETCH_FAILED")
		return
	}
	if source.UserID != req.UserID {
		writeError(w, http.StatusForbidden, "source media belongs to another user", "MEDIA_FORBIDDEN")
		return
	}

	j := newJob(req)
	if req.ID != "" {
		if _, err := h.svc.Jobs.FindByID(ctx, req.ID); err == nil {
			writeError(w, http.StatusConflict, "job already exists", "JOB_EXISTS")
			return
		}
	}

	if err := h.svc.Ledger.Debit(ctx, j.UserID, j.VideoLength); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			writeError(w, http.StatusPaymentRequired, "insufficient credits", "INSUFFICIENT_CREDITS")
			return
		}
		h.logger.Error("failed to debit credits",
			slog.String("user_id", j.UserID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to reserve credits", "CREDIT_DEBIT_FAILED")
		return
	}

	if err := h.svc.Jobs.Create(ctx, j); err != nil {
		h.returnCredits(ctx, j)
		if errors.Is(err, job.ErrJobExists) {
			writeError(w, http.StatusConflict, "job already exists", "JOB_EXISTS")
			return
		}
		h.logger.Error("failed to create job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	msg := queue.Message{Kind: queue.KindSubmit, JobID: j.ID}
	if err := h.svc.Publisher.Publish(ctx, msg, 0); err != nil {
		h.logger.Error("failed to enqueue submission",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		// Detached so the refund survives a client disconnect.
		bg := context.WithoutCancel(ctx)
		if _, markErr := h.svc.Jobs.MarkFailed(bg, j.ID, "failed to enqueue submission"); markErr == nil {
			h.svc.Refunder.RefundByID(bg, j.ID)
		}
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job", "ENQUEUE_FAILED")
		return
	}

	h.logger.Info("job created",
		slog.String("job_id", j.ID),
		slog.String("user_id", j.UserID),
		slog.String("mode", string(j.Mode)),
		slog.Float64("video_length", j.VideoLength),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     j.ID,
		Status: string(j.Status),
	})
}

// returnCredits gives back a debit for a job that was never persisted.
func (h *Handlers) returnCredits(ctx context.Context, j *job.Job) {
	if _, err := h.svc.Ledger.Refund(context.WithoutCancel(ctx), j.ID, j.UserID, j.VideoLength); err != nil {
		h.logger.Error("failed to return credits for unsaved job",
			slog.String("job_id", j.ID),
			slog.String("user_id", j.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func newJob(req CreateJobRequest) *job.Job {
	var j *job.Job
	if req.ID != "" {
		j = job.NewWithID(req.ID, req.UserID, req.MediaID, job.Mode(req.Mode))
	} else {
		j = job.New(req.UserID, req.MediaID, job.Mode(req.Mode))
	}
	j.Prompt = req.Prompt
	j.NegativePrompt = req.NegativePrompt
	j.Width = req.Width
	j.Height = req.Height
	if req.Seed != nil {
		j.Seed = *req.Seed
	}
	j.Steps = req.Steps
	j.GuidanceScale = req.GuidanceScale
	j.HighNoiseLoras = loraSelections(req.HighNoiseLoras)
	j.LowNoiseLoras = loraSelections(req.LowNoiseLoras)
	j.VideoLength = req.VideoLength
	j.EnableLoras = req.EnableLoras
	j.EnablePromptOptimization = req.EnablePromptOptimization
	j.SourceVideoURL = req.SourceVideoURL
	return j
}

func loraSelections(reqs []LoraRequest) []job.LoraSelection {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]job.LoraSelection, 0, len(reqs))
	for _, l := range reqs {
		mode := job.LoraMode(l.Mode)
		if mode == "" {
			mode = job.LoraModeManual
		}
		out = append(out, job.LoraSelection{ID: l.ID, Mode: mode, Scale: l.Scale})
	}
	return out
}

// GetJob handles GET /jobs/{id} requests with an interactive status check.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	report, err := h.svc.Status.CheckStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to check job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	resp := JobResponse{
		ID:             report.JobID,
		Status:         string(report.Status),
		ProviderStatus: string(report.ProviderStatus),
		ResultMediaID:  report.ResultMediaID,
		Error:          report.Error,
		DelayTime:      report.DelayTime,
		ExecutionTime:  report.ExecutionTime,
	}
	if report.ResultMediaID != "" {
		m, err := h.svc.Library.Get(r.Context(), report.ResultMediaID)
		if err != nil {
			// Don't fail the request, just log and omit the URL
			h.logger.Warn("failed to load result media",
				slog.String("job_id", jobID),
				slog.String("media_id", report.ResultMediaID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.VideoURL = m.URL()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetMedia handles GET /media/{id} requests.
func (h *Handlers) GetMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "id")
	m, err := h.svc.Library.Get(r.Context(), mediaID)
	if err != nil {
		if errors.Is(err, library.ErrMediaNotFound) {
			writeError(w, http.StatusNotFound, "media not found", "MEDIA_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get media",
			slog.String("media_id", mediaID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get media", "MEDIA_FETCH_FAILED")
		return
	}

	resp := MediaResponse{
		ID:           m.ID,
		UserID:       m.UserID,
		Kind:         string(m.Kind),
		URL:          m.URL(),
		ThumbnailURL: m.ThumbnailURL,
		Generation:   m.Generation,
		CreatedAt:    m.CreatedAt,
	}
	if m.Secondary != nil {
		resp.WebURL = m.Secondary.URL
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddCredits handles POST /users/{id}/credits requests.
func (h *Handlers) AddCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req AddCreditsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.svc.Ledger.Increment(r.Context(), userID, credit.Pool(req.Pool), req.Seconds); err != nil {
		if errors.Is(err, credit.ErrInvalidAmount) || errors.Is(err, credit.ErrInvalidPool) {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		h.logger.Error("failed to add credits",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to add credits", "CREDIT_UPDATE_FAILED")
		return
	}

	h.logger.Info("credits added",
		slog.String("user_id", userID),
		slog.String("pool", req.Pool),
		slog.Float64("seconds", req.Seconds),
	)
	h.writeBalance(w, r, userID)
}

// GetCredits handles GET /users/{id}/credits requests.
func (h *Handlers) GetCredits(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "id"))
}

func (h *Handlers) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	b, err := h.svc.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get balance",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get credits", "CREDIT_FETCH_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{
		UserID:           userID,
		PurchasedSeconds: b.PurchasedSeconds,
		PlanSeconds:      b.PlanSeconds,
		TotalSeconds:     b.Total(),
	})
}

// decode reads and validates a JSON body, writing the error response on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
