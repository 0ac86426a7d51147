// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/poller"
)

type PollHandler struct {
	scheduler *poller.Scheduler
}

func NewPollHandler(scheduler *poller.Scheduler) *PollHandler {
	return &PollHandler{scheduler: scheduler}
}

// Trigger runs one poll cycle for the user immediately.
func (h *PollHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	authID := chi.URLParam(r, "authID")

	result, err := h.scheduler.TriggerPoll(r.Context(), authID)
	if err != nil {
		if errors.Is(err, models.ErrRegistrationNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not registered"})
			return
		}
		log.Warn().Err(err).Str("authID", authID).Msg("api: manual poll failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"skipped":          result.Skipped,
		"skipReason":       result.SkipReason,
		"torrentCount":     result.TorrentCount,
		"nonTerminalCount": result.NonTerminalCount,
		"newCount":         result.NewCount,
		"updatedCount":     result.UpdatedCount,
		"removedCount":     result.RemovedCount,
		"rulesEvaluated":   result.Rules.RulesEvaluated,
		"matched":          result.Rules.Matched,
		"executed":         result.Rules.Executed,
		"failed":           result.Rules.Failed,
		"durationMs":       result.Duration.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("api: failed to encode response")
	}
}
