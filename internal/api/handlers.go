package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/iacguard/internal/engine"
	"github.com/qualys/iacguard/internal/parsers"
	"github.com/qualys/iacguard/internal/reports"
	"github.com/qualys/iacguard/internal/store"
)

const maxDocumentSize = 10 << 20 // 10 MiB

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "document_too_large", err.Error())
		return nil, false
	}
	if len(content) == 0 {
		respondError(w, http.StatusBadRequest, "empty_document", "request body must contain an IaC document")
		return nil, false
	}
	return content, true
}

// respondParseError maps parser failures to client errors; anything
// else is treated as a server fault.
func respondParseError(w http.ResponseWriter, err error) {
	var detectErr *parsers.FormatDetectionError
	var parseErr *parsers.ParseError

	switch {
	case errors.As(err, &detectErr):
		respondError(w, http.StatusBadRequest, "unsupported_format", detectErr.Error())
	case errors.As(err, &parseErr):
		respondError(w, http.StatusBadRequest, "invalid_document", parseErr.Error())
	default:
		respondError(w, http.StatusInternalServerError, "evaluation_failed", err.Error())
	}
}

func (s *Server) parsePlan(w http.ResponseWriter, r *http.Request) {
	content, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	plan, err := s.registry.CreateUnifiedPlan(content)
	if err != nil {
		respondParseError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) evaluateDocument(w http.ResponseWriter, r *http.Request) {
	content, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	result, err := s.engine.ProcessDocument(r.Context(), content)
	if err != nil {
		respondParseError(w, err)
		return
	}

	s.recordEvaluation(r, result)

	respondJSONWithMeta(w, http.StatusOK, result, &apiMeta{
		Total:         len(result.Violations),
		PolicyVersion: result.PolicyVersion,
	})
}

// recordEvaluation persists the outcome when a store is configured.
// Failures are logged, not surfaced; history is best effort.
func (s *Server) recordEvaluation(r *http.Request, result *engine.Result) {
	if s.store == nil {
		return
	}

	err := s.store.SaveEvaluation(r.Context(), &store.Evaluation{
		PlanID:         result.Plan.ID,
		SourceType:     string(result.Plan.SourceType),
		Decision:       string(result.Verdict.Decision),
		RiskScore:      result.Verdict.CombinedRiskScore,
		ViolationCount: len(result.Violations),
		PolicyVersion:  result.PolicyVersion,
	})
	if err != nil {
		s.logger.Warn("failed to record evaluation", "plan_id", result.Plan.ID, "error", err)
	}
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusConflict, "no_store", "server was started without a database")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	evals, err := s.store.ListEvaluations(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, evals, &apiMeta{Total: len(evals)})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	snapshot := s.library.Current()
	policies := snapshot.Policies()

	respondJSONWithMeta(w, http.StatusOK, policies, &apiMeta{
		Total:         len(policies),
		PolicyVersion: snapshot.Version(),
	})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")

	for _, p := range s.library.Current().Policies() {
		if p.ID == policyID || p.Name == policyID {
			respondJSON(w, http.StatusOK, p)
			return
		}
	}

	respondError(w, http.StatusNotFound, "policy_not_found", fmt.Sprintf("no policy with id or name %q", policyID))
}

func (s *Server) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		respondError(w, http.StatusConflict, "no_policy_source", "server was started without a reloadable policy source")
		return
	}

	snapshot, err := s.library.ReloadFrom(r.Context(), s.source)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}

	s.logger.Info("reloaded policies", "version", snapshot.Version(), "count", len(snapshot.Policies()))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"policy_version": snapshot.Version(),
		"policy_count":   len(snapshot.Policies()),
	})
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	format := reports.ReportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = reports.FormatJSON
	}

	content, ok := s.readDocument(w, r)
	if !ok {
		return
	}

	result, err := s.engine.ProcessDocument(r.Context(), content)
	if err != nil {
		respondParseError(w, err)
		return
	}

	s.recordEvaluation(r, result)

	report, err := s.reporter.Generate(result, format)
	if err != nil {
		respondError(w, http.StatusBadRequest, "report_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", report.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}
