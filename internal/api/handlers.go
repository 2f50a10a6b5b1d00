package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"options-trade-tracker/internal/database"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// account resolves the account scope from the query string, falling
// back to the configured default.
func (s *Server) account(c *gin.Context) string {
	if account := c.Query("account"); account != "" {
		return account
	}
	return s.cfg.DefaultAccount
}

func (s *Server) handleTrades(c *gin.Context) {
	account := s.account(c)

	var trades []*database.Trade
	var err error
	switch status := c.DefaultQuery("status", "open"); status {
	case "open":
		trades, err = s.store.OpenTrades(c.Request.Context(), account)
	case "closed":
		trades, err = s.store.ClosedTrades(c.Request.Context(), account)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open or closed"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to load trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"count":   len(trades),
		"trades":  trades,
	})
}

func (s *Server) handleTrade(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trade id"})
		return
	}

	trade, err := s.store.GetTrade(c.Request.Context(), id)
	if errors.Is(err, database.ErrTradeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("trade_id", id).Msg("Failed to load trade")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trade"})
		return
	}

	c.JSON(http.StatusOK, trade)
}

func (s *Server) handlePerformance(c *gin.Context) {
	account := s.account(c)

	metric, err := s.store.LatestMetric(c.Request.Context(), account)
	if errors.Is(err, database.ErrNoMetrics) {
		c.JSON(http.StatusOK, gin.H{"account": account, "metric": nil})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to load performance metric")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load performance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account, "metric": metric})
}

func (s *Server) handleInsights(c *gin.Context) {
	account := s.account(c)

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = parsed
	}

	insights, err := s.store.RecentInsights(c.Request.Context(), account, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to load insights")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load insights"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":  account,
		"count":    len(insights),
		"insights": insights,
	})
}

func (s *Server) handleParameter(c *gin.Context) {
	account := s.account(c)
	name := c.Param("name")

	rev, err := s.store.LatestParameterRevision(c.Request.Context(), account, name)
	if errors.Is(err, database.ErrNoRevision) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no revisions for parameter"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("parameter", name).Msg("Failed to load parameter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load parameter"})
		return
	}

	c.JSON(http.StatusOK, rev)
}

func (s *Server) handleParameterHistory(c *gin.Context) {
	account := s.account(c)
	name := c.Param("name")

	history, err := s.store.ParameterHistory(c.Request.Context(), account, name)
	if err != nil {
		s.logger.Error().Err(err).Str("parameter", name).Msg("Failed to load parameter history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load parameter history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"parameter": name,
		"revisions": history,
	})
}

func (s *Server) handleLossReport(c *gin.Context) {
	account := s.account(c)

	report, err := s.monitor.Assess(c.Request.Context(), account, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to build loss report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build loss report"})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleGaps(c *gin.Context) {
	account := s.account(c)

	gaps, err := s.store.UnreviewedGaps(c.Request.Context(), account)
	if err != nil {
		s.logger.Error().Err(err).Str("account", account).Msg("Failed to load reconciliation gaps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load gaps"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"count":   len(gaps),
		"gaps":    gaps,
	})
}
