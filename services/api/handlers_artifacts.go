package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"appbuilder/pkg/storage"
)

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = storage.AppPrefix("")
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifacts, err := a.artifacts.List(ctx, prefix)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []storage.Artifact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"provider":  a.artifacts.Name(),
		"prefix":    prefix,
		"artifacts": artifacts,
	})
}

func requireKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		return "", errors.New("key is required")
	}
	return key, nil
}

func (a *API) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	key, err := requireKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	ttl, err := queryTTL(r, a.config.SignedURLTTL)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.artifacts.SignedURL(ctx, key, ttl)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"key":       key,
		"url":       url,
		"expiresIn": int(ttl.Seconds()),
	})
}

func (a *API) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := requireKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.artifacts.Delete(ctx, key); err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": key})
}

// handleDownloadArtifact serves objects of the local backend behind an
// HMAC-signed URL. Cloud backends hand out their own signed URLs.
func (a *API) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	local, ok := a.artifacts.(*storage.Local)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("downloads are served by the storage backend"))
		return
	}

	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := local.Verify(key, q.Get("expires"), q.Get("signature")); err != nil {
		a.fail(w, r, err)
		return
	}

	file, err := local.Open(key)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(key))
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
