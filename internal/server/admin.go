package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/loginbridge/loginbridge/internal/audit"
	"github.com/loginbridge/loginbridge/internal/install"
	"github.com/loginbridge/loginbridge/internal/settings"
)

// registerAdminRoutes mounts the bearer-guarded management API: settings
// read/update, installer lifecycle, audit trail queries, and the provider
// permission catalog.
func (s *Server) registerAdminRoutes(router *mux.Router) {
	router.HandleFunc("/settings", s.handleListSettings).Methods(http.MethodGet)
	router.HandleFunc("/settings", s.handleBulkUpdateSettings).Methods(http.MethodPost)
	router.HandleFunc("/settings/{key}", s.handleGetSetting).Methods(http.MethodGet)
	router.HandleFunc("/settings/{key}", s.handleUpdateSetting).Methods(http.MethodPut)

	router.HandleFunc("/install", s.handleInstallStatus).Methods(http.MethodGet)
	router.HandleFunc("/install", s.handleInstall).Methods(http.MethodPost)
	router.HandleFunc("/install/check", s.handleInstallCheck).Methods(http.MethodPost)
	router.HandleFunc("/install", s.handleUninstall).Methods(http.MethodDelete)

	router.HandleFunc("/audit", s.handleAuditRecords).Methods(http.MethodGet)
	router.HandleFunc("/permissions", s.handlePermissionCatalog).Methods(http.MethodGet)
}

const secretPlaceholder = "********"

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.ListAll()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list settings"})
		return
	}

	for i := range all {
		if all[i].Key == "oauth.app_secret" && all[i].Value != "" {
			all[i].Value = secretPlaceholder
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": all})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	setting, err := s.settings.GetSetting(key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "setting not found"})
		return
	}
	if setting.Key == "oauth.app_secret" && setting.Value != "" {
		setting.Value = secretPlaceholder
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req settings.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.settings.Set(key, req.Value); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.auditAdmin(r, audit.EventTypeSettingsUpdated, audit.ActionUpdate, map[string]interface{}{"key": key})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleBulkUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.BulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.settings.BulkUpdate(req.Settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.auditAdmin(r, audit.EventTypeSettingsUpdated, audit.ActionUpdate, map[string]interface{}{"count": len(req.Settings)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleInstallStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.installer.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read install status"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Install(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, install.ErrAlreadyInstalled) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	s.auditAdmin(r, audit.EventTypeModuleInstalled, audit.ActionInstall, nil)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "installed"})
}

func (s *Server) handleInstallCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Check(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	if err := s.installer.Uninstall(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	s.auditAdmin(r, audit.EventTypeModuleUninstalled, audit.ActionUninstall, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := &audit.Filters{
		UserID:     q.Get("user_id"),
		FacebookID: q.Get("facebook_id"),
		EventType:  q.Get("event_type"),
		Status:     q.Get("status"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	filters.StartDate, _ = strconv.ParseInt(q.Get("start_date"), 10, 64)
	filters.EndDate, _ = strconv.ParseInt(q.Get("end_date"), 10, 64)

	records, total, err := s.auditor.GetRecords(r.Context(), filters)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to query audit trail"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
	})
}

func (s *Server) handlePermissionCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": settings.FacebookPermissions})
}

func (s *Server) auditAdmin(r *http.Request, eventType, action string, details map[string]interface{}) {
	s.auditor.LogEvent(r.Context(), &audit.Event{
		EventType: eventType,
		Action:    action,
		Status:    audit.StatusSuccess,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Details:   details,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
