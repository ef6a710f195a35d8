package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/compliance"
)

func (s *Server) handleFleetOverview(c *gin.Context) {
	ok(c, http.StatusOK, s.Compliance.FleetOverview())
}

func (s *Server) handleAgentReport(c *gin.Context) {
	report, err := s.Compliance.AgentReport(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, report)
}

func (s *Server) handlePolicyExecutionReport(c *gin.Context) {
	dist, err := s.Distributor.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, s.Compliance.PolicyExecutionReport(dist))
}

func (s *Server) handleExportFleetOverview(c *gin.Context) {
	data, err := compliance.ExportJSON(s.Compliance.FleetOverview())
	if err != nil {
		errorJSON(c, apperrors.ExportFailed(err.Error()))
		return
	}
	if c.Query("format") == "csv" {
		csvData, err := compliance.ExportFleetOverviewCSV(s.Compliance.FleetOverview())
		if err != nil {
			errorJSON(c, apperrors.ExportFailed(err.Error()))
			return
		}
		c.Data(http.StatusOK, "text/csv", csvData)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func parseTimeQuery(c *gin.Context, key string, def time.Time) time.Time {
	v := c.Query(key)
	if v == "" {
		return def
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return def
	}
	return t
}

func (s *Server) handleAuditLogs(c *gin.Context) {
	start := parseTimeQuery(c, "start", time.Now().Add(-24*time.Hour))
	end := parseTimeQuery(c, "end", time.Now())
	limit := queryInt(c, "topAgentsLimit", 10)

	summary, err := s.Compliance.AuditLogSummary(start, end, limit)
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, summary)
}

func (s *Server) handleExportAuditLogs(c *gin.Context) {
	start := parseTimeQuery(c, "start", time.Now().Add(-24*time.Hour))
	end := parseTimeQuery(c, "end", time.Now())
	limit := queryInt(c, "topAgentsLimit", 10)

	summary, err := s.Compliance.AuditLogSummary(start, end, limit)
	if err != nil {
		errorJSON(c, err)
		return
	}

	if c.Query("format") == "csv" {
		data, err := compliance.ExportAuditSummaryCSV(summary)
		if err != nil {
			errorJSON(c, apperrors.ExportFailed(err.Error()))
			return
		}
		c.Data(http.StatusOK, "text/csv", data)
		return
	}

	data, err := compliance.ExportJSON(summary)
	if err != nil {
		errorJSON(c, apperrors.ExportFailed(err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
