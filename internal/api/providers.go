package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
)

var knownFamilies = map[listing.ProviderFamily]bool{
	listing.FamilyOpenAI:   true,
	listing.FamilyGemini:   true,
	listing.FamilyDeepSeek: true,
	listing.FamilyQwen:     true,
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Providers.ListProviders(r.Context())
	if err != nil {
		s.logger.Error("list providers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list providers failed")
		return
	}
	for i := range providers {
		providers[i].APIKeys = maskKeys(providers[i].APIKeys)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) upsertProvider(w http.ResponseWriter, r *http.Request) {
	var p listing.ProviderConfig
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = chi.URLParam(r, "provider_id")
	if !knownFamilies[p.Family] {
		writeError(w, http.StatusBadRequest, "family must be openai, gemini, deepseek or qwen")
		return
	}
	if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
		writeError(w, http.StatusBadRequest, "base_url must be an http(s) URL")
		return
	}
	if err := s.deps.Providers.UpsertProvider(r.Context(), p); err != nil {
		s.logger.Error("upsert provider failed", zap.String("provider_id", p.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upsert provider failed")
		return
	}
	p.APIKeys = maskKeys(p.APIKeys)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProvider(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Providers.DeleteProvider(r.Context(), chi.URLParam(r, "provider_id"))
	if errors.Is(err, listing.ErrNotFound) {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		s.logger.Error("delete provider failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete provider failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maskKeys keeps the last four characters of each key.
func maskKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if len(k) <= 4 {
			out[i] = "****"
			continue
		}
		out[i] = "****" + k[len(k)-4:]
	}
	return out
}
