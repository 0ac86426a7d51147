// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/crypto"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/testdb"
)

func newAuthRouter(t *testing.T) (*chi.Mux, *models.APIKeyStore) {
	t.Helper()

	apiKeys := models.NewAPIKeyStore(testdb.OpenCatalog(t))

	router := chi.NewRouter()
	router.Route("/users/{authID}", func(r chi.Router) {
		r.Use(RequireAPIToken(apiKeys))
		r.Post("/poll", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	return router, apiKeys
}

func TestRequireAPIToken(t *testing.T) {
	router, apiKeys := newAuthRouter(t)

	token := "torbox-api-key-123"
	authID := crypto.HashCredential(token)
	require.NoError(t, apiKeys.Upsert(context.Background(), authID, "ciphertext", "main"))

	t.Run("valid token reaches the handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/"+authID+"/poll", nil)
		req.Header.Set("X-API-Token", token)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		// Successful auth stamps the key's last use.
		key, err := apiKeys.Get(context.Background(), authID)
		require.NoError(t, err)
		assert.NotNil(t, key.LastUsedAt)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/"+authID+"/poll", nil)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token digest does not match the url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/"+authID+"/poll", nil)
		req.Header.Set("X-API-Token", "some-other-key")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid digest without a stored key", func(t *testing.T) {
		unknown := "never-registered"
		req := httptest.NewRequest(http.MethodPost, "/users/"+crypto.HashCredential(unknown)+"/poll", nil)
		req.Header.Set("X-API-Token", unknown)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
