// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/crypto"
	"github.com/jittarao/torboxd/internal/domain"
	"github.com/jittarao/torboxd/internal/models"
)

// RequireAPIToken guards per-user routes. The caller presents their raw
// upstream credential as X-API-Token; its digest must match the authID in the
// URL and have a stored key in the catalog. The raw token is never logged or
// stored.
func RequireAPIToken(apiKeys *models.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-API-Token")
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authID := chi.URLParam(r, "authID")
			if authID == "" || crypto.HashCredential(token) != authID {
				log.Warn().
					Str("authID", authID).
					Str("token", domain.RedactString(token)).
					Msg("api: token digest mismatch")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if _, err := apiKeys.Get(r.Context(), authID); err != nil {
				log.Warn().Err(err).Str("authID", authID).Msg("api: unknown api token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if err := apiKeys.TouchLastUsed(r.Context(), authID, time.Now()); err != nil {
				log.Debug().Err(err).Str("authID", authID).Msg("api: failed to touch api key")
			}

			next.ServeHTTP(w, r)
		})
	}
}
