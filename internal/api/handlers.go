package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

type addConnectionRequest struct {
	ProviderID string `json:"provider_id"`
	ZipCode    string `json:"zip_code"`
}

type reportOutageRequest struct {
	ConnectionID string     `json:"connection_id"`
	Start        time.Time  `json:"start"`
	End          *time.Time `json:"end"`
	Note         string     `json:"note"`
}

type approveRequest struct {
	// Amounts travel as decimal strings; a JSON number fails to bind.
	Amount string `json:"amount"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

// Providers

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.engine.Providers()})
}

// Connections

func (s *Server) handleListConnections(c *gin.Context) {
	conns, err := s.engine.ListConnections(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns, "count": len(conns)})
}

func (s *Server) handleAddConnection(c *gin.Context) {
	var req addConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	conn, err := s.engine.AddConnection(c.Request.Context(), req.ProviderID, req.ZipCode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (s *Server) handleGetConnection(c *gin.Context) {
	conn, err := s.engine.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (s *Server) handleRemoveConnection(c *gin.Context) {
	if err := s.engine.RemoveConnection(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleToggleMonitoring(c *gin.Context) {
	conn, err := s.engine.ToggleMonitoring(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (s *Server) handlePollNow(c *gin.Context) {
	res, err := s.engine.PollNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Outages

func (s *Server) handleListOutages(c *gin.Context) {
	outages, err := s.engine.ListDetectedOutages(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outages": outages, "count": len(outages)})
}

func (s *Server) handleReportOutage(c *gin.Context) {
	var req reportOutageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	o, err := s.engine.ReportOutage(c.Request.Context(), req.ConnectionID, req.Start, req.End, req.Note)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleGetOutage(c *gin.Context) {
	o, err := s.engine.GetOutage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type eligibilityResponse struct {
	IsEligible      bool    `json:"is_eligible"`
	EstimatedCredit string  `json:"estimated_credit"`
	DurationHours   float64 `json:"duration_hours"`
	ThresholdHours  float64 `json:"threshold_hours"`
	Policy          string  `json:"policy,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

func (s *Server) handleCheckEligibility(c *gin.Context) {
	res, err := s.engine.CheckEligibility(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eligibilityResponse{
		IsEligible:      res.IsEligible,
		EstimatedCredit: res.EstimatedCredit.String(),
		DurationHours:   res.DurationHours(),
		ThresholdHours:  res.ThresholdHours(),
		Policy:          res.PolicyName,
		Reason:          res.Reason,
	})
}

func (s *Server) handleConfirmOutage(c *gin.Context) {
	claim, err := s.engine.ConfirmOutage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (s *Server) handleDismissOutage(c *gin.Context) {
	o, err := s.engine.DismissOutage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Claims

// parseClaimFilter reads ?status=a,b&connection_id=..&pending=true&resolved=true.
func parseClaimFilter(c *gin.Context) (domain.ClaimFilter, error) {
	var f domain.ClaimFilter
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := domain.ParseClaimStatus(part)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.ConnectionID = c.Query("connection_id")

	var err error
	if f.PendingOnly, err = queryBool(c, "pending"); err != nil {
		return f, err
	}
	if f.ResolvedOnly, err = queryBool(c, "resolved"); err != nil {
		return f, err
	}
	return f, nil
}

func queryBool(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &domain.ValidationError{Field: key, Message: "must be true or false"}
	}
	return b, nil
}

func (s *Server) handleListClaims(c *gin.Context) {
	filter, err := parseClaimFilter(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	claims, err := s.engine.ListClaims(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
}

func (s *Server) handleGetClaim(c *gin.Context) {
	claim, err := s.engine.GetClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleClaimHistory(c *gin.Context) {
	history, err := s.engine.ClaimHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": history})
}

func (s *Server) handleGenerateScript(c *gin.Context) {
	claim, err := s.engine.GenerateScript(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleMarkSubmitted(c *gin.Context) {
	claim, err := s.engine.MarkSubmitted(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleMarkApproved(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	claim, err := s.engine.MarkApproved(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleMarkDenied(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}

	claim, err := s.engine.MarkDenied(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleDismissClaim(c *gin.Context) {
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}

	claim, err := s.engine.DismissClaim(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, claim)
}

// Summary

func (s *Server) handleSummary(c *gin.Context) {
	summary, err := s.engine.GetCreditSummary(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
