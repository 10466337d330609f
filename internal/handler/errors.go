package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/gin-gonic/gin"
)

// statusFor 业务错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, logic.ErrInvalidAmount),
		errors.Is(err, logic.ErrInvalidInput),
		errors.Is(err, logic.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrNotBacker):
		return http.StatusForbidden
	case errors.Is(err, logic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, logic.ErrMilestoneNotEligible),
		errors.Is(err, logic.ErrVotingClosed),
		errors.Is(err, logic.ErrVotingOpen),
		errors.Is(err, logic.ErrInvalidState),
		errors.Is(err, logic.ErrInvalidTransition),
		errors.Is(err, logic.ErrConcurrentUpdate),
		errors.Is(err, logic.ErrChainReconciliationMismatch):
		return http.StatusConflict
	case errors.Is(err, logic.ErrEscrowTransactionFailed),
		errors.Is(err, logic.ErrChainDisabled):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	ErrorResponse(c, status, err.Error())
}

func parseId(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
