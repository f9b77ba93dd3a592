package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"autoops/internal/advisory"
	"autoops/internal/nvd"
	"autoops/internal/schedule"
)

// errKindStatus maps orchestrator failure kinds to HTTP status codes.
func errKindStatus(kind schedule.ErrKind) int {
	switch kind {
	case schedule.ErrKindValidation:
		return http.StatusBadRequest
	case schedule.ErrKindNotFound:
		return http.StatusNotFound
	case schedule.ErrKindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// HandleHealth returns service health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "AutoOps API",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// HandleListSchedules returns schedules, optionally filtered by ?status=
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	status := schedule.Status(r.URL.Query().Get("status"))

	result := s.Orchestrator.List(r.Context(), status)
	if !result.Success {
		s.respondJSON(w, http.StatusInternalServerError, result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type createScheduleRequest struct {
	PatchID      string      `json:"patchId"`
	PatchTitle   string      `json:"patchTitle"`
	DeviceIDs    []string    `json:"deviceIds"`
	ScheduledFor interface{} `json:"scheduledFor"`
	Severity     string      `json:"severity"`
	RequestedBy  string      `json:"requestedBy"`
	AutoApprove  bool        `json:"autoApprove"`
}

// HandleCreateSchedule creates a new scheduled patch deployment
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	dec := json.NewDecoder(r.Body)
	// Epoch-millisecond timestamps must survive decoding without float
	// precision loss
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scheduledFor, err := schedule.ParseScheduledFor(req.ScheduledFor)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.Orchestrator.Create(r.Context(), schedule.CreateInput{
		PatchID:      req.PatchID,
		PatchTitle:   req.PatchTitle,
		DeviceIDs:    req.DeviceIDs,
		ScheduledFor: scheduledFor,
		Severity:     req.Severity,
		RequestedBy:  req.RequestedBy,
		AutoApprove:  req.AutoApprove,
	})
	if !result.Success {
		s.respondJSON(w, errKindStatus(result.ErrKind), result)
		return
	}
	s.respondJSON(w, http.StatusCreated, result)
}

// HandleGetSchedule returns one schedule by id
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	result := s.Orchestrator.GetDetails(r.Context(), scheduleID)
	if !result.Success {
		s.respondJSON(w, errKindStatus(result.ErrKind), result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// HandleCancelSchedule cancels a SCHEDULED deployment
func (s *Server) HandleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	result := s.Orchestrator.Cancel(r.Context(), scheduleID)
	if !result.Success {
		s.respondJSON(w, errKindStatus(result.ErrKind), result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type executeScheduleRequest struct {
	ScheduleID string   `json:"scheduleId"`
	PatchID    string   `json:"patchId"`
	DeviceIDs  []string `json:"deviceIds"`
}

// HandleExecuteSchedule runs a schedule immediately. Normally invoked by the
// trigger; exposed for manual recovery of degraded schedules.
func (s *Server) HandleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	var req executeScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.Orchestrator.Execute(r.Context(), req.ScheduleID, req.PatchID, req.DeviceIDs)
	if !result.Success {
		s.respondJSON(w, errKindStatus(result.ErrKind), result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type cleanupRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// HandleCleanupSchedules deletes terminal schedules past the retention window
func (s *Server) HandleCleanupSchedules(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result := s.Orchestrator.Cleanup(r.Context(), req.RetentionDays)
	if !result.Success {
		s.respondJSON(w, http.StatusInternalServerError, result)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// HandleInventory returns the managed device inventory. When the platform is
// unreachable, deterministic sample data keeps the dashboard usable.
func (s *Server) HandleInventory(w http.ResponseWriter, r *http.Request) {
	if s.Platform != nil {
		devices, err := s.Platform.FetchDevices(r.Context())
		if err == nil {
			s.respondJSON(w, http.StatusOK, devices)
			return
		}
		s.Logger.Error("failed to fetch inventory, serving sample data", "error", err)
	}
	s.respondJSON(w, http.StatusOK, mockDevices())
}

// HandlePatches returns the available patch catalog
func (s *Server) HandlePatches(w http.ResponseWriter, r *http.Request) {
	if s.Platform != nil {
		patches, err := s.Platform.FetchPatches(r.Context())
		if err == nil {
			s.respondJSON(w, http.StatusOK, patches)
			return
		}
		s.Logger.Error("failed to fetch patches, serving sample data", "error", err)
	}
	s.respondJSON(w, http.StatusOK, mockPatches())
}

// HandleAlerts returns active platform alerts
func (s *Server) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.Platform != nil {
		alerts, err := s.Platform.FetchAlerts(r.Context())
		if err == nil {
			s.respondJSON(w, http.StatusOK, alerts)
			return
		}
		s.Logger.Error("failed to fetch alerts, serving sample data", "error", err)
	}
	s.respondJSON(w, http.StatusOK, mockAlerts())
}

type updateAlertRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// HandleUpdateAlertStatus acknowledges or resolves a platform alert
func (s *Server) HandleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	if s.Platform == nil {
		s.respondError(w, http.StatusServiceUnavailable, "platform not configured")
		return
	}

	alertID := chi.URLParam(r, "alertID")

	var req updateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		s.respondError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := s.Platform.UpdateAlertStatus(r.Context(), alertID, req.Status, req.Notes); err != nil {
		s.Logger.Error("failed to update alert", "alert_id", alertID, "error", err)
		s.respondError(w, http.StatusBadGateway, "failed to update alert")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alertId": alertID,
		"status":  req.Status,
	})
}

// HandleDashboardStats aggregates headline counts for the dashboard
func (s *Server) HandleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices := mockDevices()
	patches := mockPatches()
	alerts := mockAlerts()

	if s.Platform != nil {
		if d, err := s.Platform.FetchDevices(ctx); err == nil {
			devices = d
		}
		if p, err := s.Platform.FetchPatches(ctx); err == nil {
			patches = p
		}
		if a, err := s.Platform.FetchAlerts(ctx); err == nil {
			alerts = a
		}
	}

	pendingPatches := 0
	criticalPatches := 0
	for _, p := range patches {
		if p.Status == "AVAILABLE" {
			pendingPatches++
		}
		if p.Severity == "CRITICAL" {
			criticalPatches++
		}
	}

	scheduled := s.Orchestrator.List(ctx, schedule.StatusScheduled)

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"totalDevices":         len(devices),
		"activeAlerts":         len(alerts),
		"pendingPatches":       pendingPatches,
		"criticalPatches":      criticalPatches,
		"scheduledDeployments": scheduled.Count,
	})
}

// HandleRecentVulnerabilities returns CVEs published in the last ?days= days
func (s *Server) HandleRecentVulnerabilities(w http.ResponseWriter, r *http.Request) {
	if s.Vulns == nil {
		s.respondError(w, http.StatusServiceUnavailable, "vulnerability database not configured")
		return
	}

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	vulns, err := s.Vulns.SearchRecentCVEs(r.Context(), days)
	if err != nil {
		s.Logger.Error("failed to search recent CVEs", "error", err)
		s.respondError(w, http.StatusBadGateway, "vulnerability database unavailable")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"days":            days,
		"count":           len(vulns),
		"vulnerabilities": vulns,
	})
}

// HandleVulnerability returns one CVE with its extracted severity
func (s *Server) HandleVulnerability(w http.ResponseWriter, r *http.Request) {
	if s.Vulns == nil {
		s.respondError(w, http.StatusServiceUnavailable, "vulnerability database not configured")
		return
	}

	cveID := chi.URLParam(r, "cveID")
	vuln, err := s.Vulns.LookupCVE(r.Context(), cveID)
	if err != nil {
		s.Logger.Error("failed to look up CVE", "cve_id", cveID, "error", err)
		s.respondError(w, http.StatusBadGateway, "vulnerability database unavailable")
		return
	}
	if vuln == nil {
		s.respondError(w, http.StatusNotFound, "CVE not found")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"vulnerability": vuln,
		"severity":      nvd.ExtractSeverity(*vuln),
	})
}

type analyzePatchRequest struct {
	PatchID     string   `json:"patchId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	DeviceIDs   []string `json:"deviceIds"`
	CVEs        []string `json:"cves"`
}

// HandleAnalyzePatch runs the AI risk analysis for a patch without
// scheduling anything
func (s *Server) HandleAnalyzePatch(w http.ResponseWriter, r *http.Request) {
	var req analyzePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatchID == "" && req.Title == "" {
		s.respondError(w, http.StatusBadRequest, "patchId or title is required")
		return
	}

	analysis := s.Gate.Analyze(r.Context(), advisory.PatchSummary{
		PatchID:     req.PatchID,
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity,
		DeviceIDs:   req.DeviceIDs,
		CVEs:        req.CVEs,
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"analysis": analysis,
	})
}
