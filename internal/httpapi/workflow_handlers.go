package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contentflow.org/internal/audit"
	"contentflow.org/internal/auth"
	"contentflow.org/internal/obs"
	"contentflow.org/internal/workflow"
)

type actionRequest struct {
	Action       string   `json:"action"`
	Trigger      string   `json:"trigger,omitempty"`
	Revision     int64    `json:"revision,omitempty"`
	SameRevision bool     `json:"same_revision,omitempty"`
	AdhocUsers   []string `json:"adhoc_users,omitempty"`
	Comment      string   `json:"comment,omitempty"`

	// Identity fields, honored only when token auth is not enforced.
	User          string   `json:"user,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Administrator bool     `json:"administrator,omitempty"`
}

type agingRunRequest struct {
	Limit int `json:"limit,omitempty"`
}

type assignmentResponse struct {
	ContentID int64  `json:"content_id"`
	User      string `json:"user"`
	Level     int    `json:"level"`
	LevelName string `json:"level_name"`
}

// handleContent routes /v1/content/{id}/(actions|assignment|status).
func (a *API) handleContent(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/content/")
	idRaw, op, ok := strings.Cut(path, "/")
	if !ok || idRaw == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	contentID, err := strconv.ParseInt(idRaw, 10, 64)
	if err != nil || contentID <= 0 {
		writeError(w, r, http.StatusBadRequest, "content id must be a positive integer")
		return
	}

	switch op {
	case "actions":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.performAction(w, r, contentID)
	case "assignment":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAssignment(w, r, contentID)
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getStatus(w, r, contentID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) performAction(w http.ResponseWriter, r *http.Request, contentID int64) {
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, roles, admin, err := a.identity(r, req.User, req.Roles, req.Administrator)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}

	action := workflow.Action(strings.TrimSpace(req.Action))
	switch action {
	case workflow.ActionCheckout, workflow.ActionCheckin, workflow.ActionTransition:
	default:
		writeError(w, r, http.StatusBadRequest, "action must be checkout, checkin or transition")
		return
	}

	start := time.Now()
	res, err := a.engine.PerformAction(r.Context(), workflow.ActionRequest{
		ContentID:     contentID,
		UserName:      user,
		RoleNames:     roles,
		Action:        action,
		Trigger:       req.Trigger,
		Revision:      req.Revision,
		SameRevision:  req.SameRevision,
		Administrator: admin,
		AdhocUsers:    req.AdhocUsers,
		Comment:       req.Comment,
	})
	elapsed := time.Since(start)
	if err != nil {
		obs.ObserveWorkflowAction(string(action), "error", elapsed)
		handleWorkflowError(w, r, err)
		return
	}
	result := "pending"
	if res.Performed {
		result = "performed"
	}
	obs.ObserveWorkflowAction(string(action), result, elapsed)

	_ = audit.LogEvent(r.Context(), "workflow.action", map[string]any{
		"content_id": contentID,
		"action":     string(action),
		"trigger":    req.Trigger,
		"performed":  res.Performed,
		"new_state":  res.NewStateID,
	})

	writeJSON(w, http.StatusOK, res)
}

func (a *API) getAssignment(w http.ResponseWriter, r *http.Request, contentID int64) {
	user, roles, _, err := a.identity(r, r.URL.Query().Get("user"), r.URL.Query()["role"], false)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	lvl, err := a.engine.ResolveAssignmentType(r.Context(), contentID, user, roles)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignmentResponse{
		ContentID: contentID,
		User:      user,
		Level:     int(lvl),
		LevelName: lvl.String(),
	})
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request, contentID int64) {
	cs, err := a.store.LoadContentStatus(r.Context(), contentID)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *API) handleAgingRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.authRequired && !auth.IsAdmin(r.Context()) {
		writeError(w, r, http.StatusForbidden, "administrator token required")
		return
	}

	req := agingRunRequest{}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := a.engine.RunAgingSweep(r.Context(), time.Now().UTC(), req.Limit)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	for range res.Fired {
		obs.CountAgingOutcome("fired")
	}
	for range res.Failed {
		obs.CountAgingOutcome("failed")
	}
	_ = audit.LogEvent(r.Context(), "workflow.aging.sweep", map[string]any{
		"fired":  len(res.Fired),
		"failed": len(res.Failed),
	})
	writeJSON(w, http.StatusOK, res)
}

// identity resolves the acting user. With enforced auth the token is the only
// source; otherwise explicit request fields are accepted for dev and tests.
func (a *API) identity(r *http.Request, fallbackUser string, fallbackRoles []string, fallbackAdmin bool) (string, []string, bool, error) {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return user, auth.RolesFromContext(r.Context()), auth.IsAdmin(r.Context()), nil
	}
	if a.authRequired {
		return "", nil, false, errors.New("authentication required")
	}
	user := strings.TrimSpace(fallbackUser)
	if user == "" {
		return "", nil, false, errors.New("user is required")
	}
	return user, fallbackRoles, fallbackAdmin, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, workflow.ErrInvalidRole):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrNotAuthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrDuplicateApproval),
		errors.Is(err, workflow.ErrRoleAssignment),
		errors.Is(err, workflow.ErrContextOutOfSync):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
