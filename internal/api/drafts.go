package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/collect"
	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/orchestrator"
	"github.com/JakeFAU/relist/internal/pricing"
)

const (
	defaultDraftLimit = 50
	maxDraftLimit     = 500
	enqueueTimeout    = 5 * time.Second
)

type createDraftRequest struct {
	SourceURL    string `json:"source_url"`
	OwnerID      string `json:"owner_id"`
	HintCategory string `json:"hint_category"`
	// Product skips collection when the caller already holds the scraped payload.
	Product *listing.ProductPayload `json:"product"`
}

type publishRequest struct {
	Strategy                   string `json:"strategy"`
	AllowLowConfidenceCategory bool   `json:"allow_low_confidence_category"`
}

type moderationResponse struct {
	Task        listing.ModerationTask `json:"task"`
	Transitions []listing.Transition   `json:"transitions"`
}

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sourceURL, err := collect.NormalizeURL(req.SourceURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.deps.Gate.Authorized(r.Context(), req.OwnerID) {
		writeError(w, http.StatusForbidden, "owner is not authorized to publish")
		return
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate draft id")
		return
	}
	now := s.deps.Clock.Now()
	d := listing.Draft{
		ID:             id,
		OwnerID:        req.OwnerID,
		SourceURL:      sourceURL,
		SourcePlatform: collect.DetectPlatform(sourceURL),
		HintCategory:   req.HintCategory,
		Status:         listing.DraftPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	kind := listing.JobCollect
	var report *orchestrator.Report
	if req.Product != nil {
		applyPayload(&d, *req.Product)
		rep := orchestrator.PreCheck(d)
		if !rep.OK {
			writeJSON(w, http.StatusUnprocessableEntity, rep)
			return
		}
		report = &rep
		d.Status = listing.DraftScraped
		kind = listing.JobPublish
	}

	if err := s.deps.Drafts.CreateDraft(r.Context(), d); err != nil {
		s.logger.Error("create draft failed", zap.String("draft_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create draft failed")
		return
	}
	if err := s.enqueue(r.Context(), listing.Job{Kind: kind, DraftID: id}); err != nil {
		// The draft exists; a later retry or publish call can still move it.
		s.logger.Error("enqueue draft failed", zap.String("draft_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "draft saved but could not be queued")
		return
	}
	resp := map[string]any{"draft_id": id, "status": d.Status}
	if report != nil {
		resp["precheck"] = report
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) listDrafts(w http.ResponseWriter, r *http.Request) {
	status := listing.DraftStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	drafts, err := s.deps.Drafts.ListDrafts(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list drafts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list drafts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDraft(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Drafts.DeleteDraft(r.Context(), chi.URLParam(r, "draft_id"))
	if errors.Is(err, listing.ErrNotFound) {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	if err != nil {
		s.logger.Error("delete draft failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete draft failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) precheckDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orchestrator.PreCheck(d))
}

// publishDraft runs the publish stage synchronously. A moderation poll it
// schedules goes through the queue like any worker follow-up.
func (s *Server) publishDraft(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := pricing.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, ok := s.loadDraft(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Publisher.UploadSingle(r.Context(), d, orchestrator.Options{
		Strategy:                   strategy,
		AllowLowConfidenceCategory: req.AllowLowConfidenceCategory,
	})
	if err != nil {
		s.logger.Warn("publish failed", zap.String("draft_id", d.ID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, orchestrator.UploadResult{
			DraftID: d.ID,
			Status:  d.Status,
			Message: err.Error(),
		})
		return
	}
	for _, next := range res.Next {
		if err := s.enqueue(r.Context(), next); err != nil {
			s.logger.Error("enqueue follow-up failed", zap.String("draft_id", d.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retryDraft(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Publisher.Retry(r.Context(), chi.URLParam(r, "draft_id"))
	switch {
	case errors.Is(err, listing.ErrNotFound):
		writeError(w, http.StatusNotFound, "draft not found")
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(listing.DraftPending)})
	}
}

func (s *Server) getModeration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "draft_id")
	task, err := s.deps.Moderation.GetTask(r.Context(), id)
	if errors.Is(err, listing.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no moderation task for draft")
		return
	}
	if err != nil {
		s.logger.Error("get moderation task failed", zap.String("draft_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get moderation task failed")
		return
	}
	transitions, err := s.deps.Moderation.ListTransitions(r.Context(), id)
	if err != nil {
		s.logger.Error("list transitions failed", zap.String("draft_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list transitions failed")
		return
	}
	if transitions == nil {
		transitions = []listing.Transition{}
	}
	writeJSON(w, http.StatusOK, moderationResponse{Task: task, Transitions: transitions})
}

func (s *Server) loadDraft(w http.ResponseWriter, r *http.Request) (listing.Draft, bool) {
	d, err := s.deps.Drafts.GetDraft(r.Context(), chi.URLParam(r, "draft_id"))
	if errors.Is(err, listing.ErrNotFound) {
		writeError(w, http.StatusNotFound, "draft not found")
		return listing.Draft{}, false
	}
	if err != nil {
		s.logger.Error("get draft failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get draft failed")
		return listing.Draft{}, false
	}
	return d, true
}

func (s *Server) enqueue(ctx context.Context, job listing.Job) error {
	if s.deps.Enqueuer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	_, err := s.deps.Enqueuer.Enqueue(ctx, job)
	return err
}

func applyPayload(d *listing.Draft, p listing.ProductPayload) {
	d.Title = p.Title
	d.Description = p.Description
	d.Images = p.Images
	d.Attributes = p.Attributes
	d.DetailHTML = p.DetailHTML
	d.Price = p.Price
	d.Stock = p.Stock
	d.ShopName = p.ShopName
	if p.SourcePlatform != "" {
		d.SourcePlatform = p.SourcePlatform
	}
	if p.HintCategory != "" {
		d.HintCategory = p.HintCategory
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultDraftLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxDraftLimit), nil
}
