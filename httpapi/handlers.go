package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/codejail/sandbox"
)

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Code      string                 `json:"code" binding:"required"`
	RequestID string                 `json:"request_id"`
	Overrides sandbox.LimitOverrides `json:"overrides"`
}

// launchFailedResponse carries the LaunchFailed result next to the error.
type launchFailedResponse struct {
	Error  string                  `json:"error"`
	Result sandbox.ExecutionResult `json:"result"`
}

type healthResponse struct {
	Status       string                  `json:"status"`
	Admission    *sandbox.AdmissionStats `json:"admission,omitempty"`
	Capabilities *sandbox.Capabilities   `json:"capabilities,omitempty"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	hostID := c.GetString(hostContextKey)
	result, err := s.executor.Execute(c.Request.Context(), sandbox.ExecutionRequest{
		Code:      req.Code,
		HostID:    hostID,
		RequestID: req.RequestID,
		Overrides: req.Overrides,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrLaunchFailed) {
			s.logger.Error("execution failed to launch",
				zap.String("host_id", hostID),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, launchFailedResponse{Error: err.Error(), Result: result})
			return
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSelfTest(c *gin.Context) {
	report, err := sandbox.SelfTest(c.Request.Context(), s.executor, s.cfg.API.SelfTestHostID, uuid.NewString())
	if err != nil && !errors.Is(err, sandbox.ErrLaunchFailed) {
		abortWithError(c, err)
		return
	}

	status := http.StatusOK
	if !report.Passed {
		status = http.StatusServiceUnavailable
		s.logger.Warn("self-test failed", zap.String("reason", report.Reason))
	}
	c.JSON(status, report)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Capabilities: s.caps}
	if s.stats != nil {
		stats := s.stats()
		resp.Admission = &stats
	}
	if s.caps != nil && !s.caps.CanRunJail() {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}
