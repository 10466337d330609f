package handler

import (
	"net/http"

	"github.com/blues/mfs/internal/logic"
	"github.com/gin-gonic/gin"
)

type CampaignHandler struct {
	engine *logic.Engine
}

func NewCampaignHandler(engine *logic.Engine) *CampaignHandler {
	return &CampaignHandler{engine: engine}
}

// CreateCampaign 按里程碑计划创建活动
func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var plan logic.CampaignPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	campaign, milestones, err := h.engine.Milestones.CreateCampaign(c.Request.Context(), plan)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, "campaign created", CampaignResponse{
		Campaign:   campaign,
		Milestones: milestones,
	})
}

// GetAvailability 当前可接收资金的里程碑
func (h *CampaignHandler) GetAvailability(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	availability, err := h.engine.Allocation.Availability(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", availability)
}

// GetStats 里程碑统计
func (h *CampaignHandler) GetStats(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	stats, err := h.engine.Milestones.Stats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", stats)
}

// GetMilestones 活动的全部里程碑
func (h *CampaignHandler) GetMilestones(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	milestones, err := h.engine.Milestones.ListMilestones(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", milestones)
}

// Reset 管理员重置活动
func (h *CampaignHandler) Reset(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	if err := h.engine.Milestones.Reset(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "campaign reset", nil)
}

// GetEscrow 托管记录与未处理的对账差异
func (h *CampaignHandler) GetEscrow(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	records, err := h.engine.Escrow.ListTransactions(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	mismatches, err := h.engine.Escrow.Mismatches(ctx, id, c.DefaultQuery("all", "false") != "true")
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", EscrowResponse{
		Transactions: records,
		Mismatches:   mismatches,
	})
}
