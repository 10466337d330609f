package handler

import (
	"net/http"

	"github.com/blues/mfs/internal/logic"
	"github.com/gin-gonic/gin"
)

type ContributionHandler struct {
	ledger *logic.ContributionLogic
}

func NewContributionHandler(ledger *logic.ContributionLogic) *ContributionHandler {
	return &ContributionHandler{ledger: ledger}
}

// Confirmed 支付确认回调，按交易哈希幂等
func (h *ContributionHandler) Confirmed(c *gin.Context) {
	var in logic.ContributionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.ledger.Confirm(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	message := "contribution confirmed"
	if result.Duplicate {
		message = "contribution already confirmed"
	} else if warn := result.Warning(); warn != nil {
		message = warn.Error()
	}
	SuccessResponse(c, http.StatusOK, message, result)
}

// Pending 记录已广播但尚未确认的贡献
func (h *ContributionHandler) Pending(c *gin.Context) {
	var in logic.ContributionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	contribution, err := h.ledger.RecordPending(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusAccepted, "contribution pending", contribution)
}
