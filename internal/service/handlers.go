package service

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// handleAnalyze dispatches one analysis request across the ensemble
func (s *Server) handleAnalyze(c *gin.Context) {
	var request types.AnalysisRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		s.writeError(c, gwerrors.NewWithDetails(gwerrors.ErrInvalidRequest,
			"malformed analysis request", err.Error()))
		return
	}
	if request.ID == "" {
		request.ID = c.GetString(requestIDKey)
	}

	response, err := s.orchestrator.Analyze(c.Request.Context(), &request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

// handleHealthSummary returns the aggregated health of all providers
func (s *Server) handleHealthSummary(c *gin.Context) {
	summary := s.monitor.Summary()

	status := http.StatusOK
	if summary.State == types.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, summary)
}

// handleProviderHealth returns the health record of one provider
func (s *Server) handleProviderHealth(c *gin.Context) {
	h, err := s.monitor.Health(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h)
}

// handleCheckProvider triggers an immediate health probe
func (s *Server) handleCheckProvider(c *gin.Context) {
	h, err := s.monitor.CheckProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h)
}

// handleBreakerMetrics reports every breaker's window and state
func (s *Server) handleBreakerMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.AllMetrics()})
}

// handleResetBreakers returns all breakers to CLOSED
func (s *Server) handleResetBreakers(c *gin.Context) {
	s.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// handleRateLimits reports every limiter's current budget
func (s *Server) handleRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rate_limits": s.limiters.AllInfo()})
}

// handleIssueToken exchanges the admin API key for a JWT
func (s *Server) handleIssueToken(c *gin.Context) {
	var body struct {
		APIKey string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api_key is required"})
		return
	}

	if s.auth.AdminKeyHash == "" || utils.CheckAPIKey(body.APIKey, s.auth.AdminKeyHash) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}

	token, err := s.issueToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(s.auth.JWTExpiration.Seconds()),
	})
}

// handleListProviders lists registered providers without secrets
func (s *Server) handleListProviders(c *gin.Context) {
	names := s.registry.Names()
	providers := make([]gin.H, 0, len(names))
	for _, name := range names {
		cfg, err := s.registry.Config(name)
		if err != nil {
			continue
		}
		providers = append(providers, gin.H{
			"name":     cfg.Name,
			"type":     cfg.Type,
			"enabled":  cfg.Enabled,
			"priority": cfg.Priority,
			"model":    cfg.Model.DefaultModel,
			"api_key":  utils.MaskAPIKey(cfg.APIKey),
			"health":   s.monitor.State(name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// handleGetProvider returns one provider's configuration with the key masked
func (s *Server) handleGetProvider(c *gin.Context) {
	cfg, err := s.registry.Config(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	cfg.APIKey = utils.MaskAPIKey(cfg.APIKey)
	c.JSON(http.StatusOK, cfg)
}

// handleAddProvider registers a new provider at runtime
func (s *Server) handleAddProvider(c *gin.Context) {
	var cfg types.ProviderConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.writeError(c, gwerrors.NewWithDetails(gwerrors.ErrInvalidRequest,
			"malformed provider config", err.Error()))
		return
	}

	if err := s.registry.Add(&cfg); err != nil {
		s.writeError(c, err)
		return
	}

	if provider, err := s.registry.Get(cfg.Name); err == nil {
		if err := s.monitor.AddProvider(provider, cfg.HealthCheckInterval); err != nil {
			s.logger.WithProvider(cfg.Name).WithError(err).Warn("Failed to schedule health checks")
		}
	}

	c.JSON(http.StatusCreated, gin.H{"status": "created", "name": cfg.Name})
}

// handleUpdateProvider replaces a provider's configuration at runtime
func (s *Server) handleUpdateProvider(c *gin.Context) {
	var cfg types.ProviderConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.writeError(c, gwerrors.NewWithDetails(gwerrors.ErrInvalidRequest,
			"malformed provider config", err.Error()))
		return
	}

	name := c.Param("name")
	if cfg.Name != "" && cfg.Name != name {
		s.writeError(c, gwerrors.New(gwerrors.ErrInvalidRequest,
			"provider name in body does not match path"))
		return
	}
	cfg.Name = name

	if err := s.registry.Update(&cfg); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "name": name})
}

// handleRemoveProvider deletes a provider and purges its state
func (s *Server) handleRemoveProvider(c *gin.Context) {
	name := c.Param("name")
	if err := s.registry.Remove(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "name": name})
}

// writeError maps typed errors to HTTP responses
func (s *Server) writeError(c *gin.Context, err error) {
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		c.JSON(ge.HTTPStatusCode, gin.H{
			"error": gin.H{
				"code":    ge.Code,
				"message": ge.Message,
				"details": ge.Details,
			},
		})
		return
	}

	var co *gwerrors.CircuitOpenError
	if errors.As(err, &co) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{
				"code":    gwerrors.ErrCircuitOpen,
				"message": co.Error(),
				"metrics": co.Metrics,
			},
		})
		return
	}

	var pe *gwerrors.ProviderError
	if errors.As(err, &pe) {
		status := http.StatusBadGateway
		if pe.Code == gwerrors.ErrRateLimited {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":     pe.Code,
				"message":  pe.Message,
				"provider": pe.Provider,
			},
		})
		return
	}

	s.logger.WithError(err).Error("Unhandled error")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    gwerrors.ErrAPIError,
			"message": "internal error",
		},
	})
}
