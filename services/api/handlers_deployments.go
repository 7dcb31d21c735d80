package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"appbuilder/services/orchestrator"
	"appbuilder/services/prd"
	"appbuilder/services/synth"
)

type submitDeploymentRequest struct {
	PRDContent       string                        `json:"prdContent"`
	AppConfig        synth.AppConfig               `json:"appConfig"`
	DeploymentConfig orchestrator.DeploymentConfig `json:"deploymentConfig"`
}

func (a *API) handleSubmitDeployment(w http.ResponseWriter, r *http.Request) {
	var req submitDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.PRDContent) == "" {
		respondError(w, http.StatusBadRequest, errors.New("prdContent is required"))
		return
	}

	sub, err := a.deployments.GenerateAndDeployApp(r.Context(), req.PRDContent, req.AppConfig, req.DeploymentConfig)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, sub)
}

func (a *API) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	deployments, err := a.deployments.ListDeployments(r.Context(), limit, offset)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []orchestrator.DeploymentSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"limit":       limit,
		"offset":      offset,
	})
}

func (a *API) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.deployments.GetDeploymentStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (a *API) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	res, err := a.deployments.CancelDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleRetryDeployment(w http.ResponseWriter, r *http.Request) {
	res, err := a.deployments.RetryDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleCleanupDeployments(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "olderThanDays", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.deployments.CleanupOldDeployments(r.Context(), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleParsePRD(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPRDBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	respondJSON(w, http.StatusOK, prd.Extract(string(body)))
}
