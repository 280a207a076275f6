package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"enhancer/internal/domain"
	"enhancer/internal/jobs"
)

type variantDTO struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Rank int    `json:"rank"`
}

type jobErrorDTO struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type jobDTO struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId"`
	PhotoID         string           `json:"photoId"`
	ImageURL        string           `json:"imageUrl"`
	Status          domain.JobStatus `json:"status"`
	ProgressPercent int              `json:"progress"`
	ProgressStage   string           `json:"stage,omitempty"`
	Masks           []domain.Mask    `json:"masks"`
	Options         json.RawMessage  `json:"options,omitempty"`
	Calibration     json.RawMessage  `json:"calibration,omitempty"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	Provider        string           `json:"provider"`
	Model           string           `json:"model"`
	RetryOf         *string          `json:"retryOf,omitempty"`
	Error           *jobErrorDTO     `json:"error,omitempty"`
	Variants        []variantDTO     `json:"variants"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	CanceledAt      *time.Time       `json:"canceledAt,omitempty"`
}

func toVariantDTOs(vs []domain.Variant) []variantDTO {
	out := make([]variantDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, variantDTO{ID: v.ID, URL: v.URL, Rank: v.Rank})
	}
	return out
}

func toJobDTO(j *domain.EnhancementJob, vs []domain.Variant) jobDTO {
	dto := jobDTO{
		ID:              j.ID,
		TenantID:        j.TenantID,
		PhotoID:         j.PhotoID,
		ImageURL:        j.ImageURL,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ProgressStage:   j.ProgressStage,
		Masks:           j.Masks,
		Options:         j.Options,
		Calibration:     j.Calibration,
		Width:           j.Width,
		Height:          j.Height,
		Provider:        j.Provider,
		Model:           j.Model,
		RetryOf:         j.RetryOf,
		Variants:        toVariantDTOs(vs),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
		CanceledAt:      j.CanceledAt,
	}
	if dto.Masks == nil {
		dto.Masks = []domain.Mask{}
	}
	if j.ErrorMessage != nil {
		dto.Error = &jobErrorDTO{Message: *j.ErrorMessage}
		if j.ErrorCode != nil {
			dto.Error.Code = *j.ErrorCode
		}
	}
	return dto
}

type createJobResponse struct {
	JobID    string           `json:"jobId"`
	Status   domain.JobStatus `json:"status,omitempty"`
	Cached   bool             `json:"cached,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`
	Variants []variantDTO     `json:"variants,omitempty"`
}

// CreateJob answers 202 for a newly queued job and 200 when an earlier job
// already answers the request.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var in jobs.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := a.Jobs.Create(r.Context(), caller, in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	switch {
	case res.Cached:
		a.json(w, http.StatusOK, createJobResponse{JobID: res.JobID, Cached: true, Variants: toVariantDTOs(res.Variants)})
	case res.Replayed:
		a.json(w, http.StatusOK, createJobResponse{JobID: res.JobID, Status: res.Status, Replayed: true})
	default:
		a.json(w, http.StatusAccepted, createJobResponse{JobID: res.JobID, Status: res.Status})
	}
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.fail(w, r, domain.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := a.Jobs.List(r.Context(), caller, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]jobDTO, 0, len(list))
	for _, d := range list {
		items = append(items, toJobDTO(d.Job, d.Variants))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	detail, err := a.Jobs.Get(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobDTO(detail.Job, detail.Variants))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.Cancel(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job, nil))
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := a.Jobs.Retry(r.Context(), caller, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": job.Status, "retryOf": id})
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if err := a.Jobs.Delete(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
