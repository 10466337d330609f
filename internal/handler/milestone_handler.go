package handler

import (
	"net/http"

	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/model"
	"github.com/gin-gonic/gin"
)

type MilestoneHandler struct {
	engine *logic.Engine
}

func NewMilestoneHandler(engine *logic.Engine) *MilestoneHandler {
	return &MilestoneHandler{engine: engine}
}

// GetMilestone 里程碑详情
func (h *MilestoneHandler) GetMilestone(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	m, err := h.engine.Milestones.GetMilestone(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", m)
}

// SubmitProof 提交完成证明并进入投票
func (h *MilestoneHandler) SubmitProof(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.engine.Milestones.SubmitProof(c.Request.Context(), id, req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "voting scheduled", m)
}

// CastVote 投票，重复投票覆盖之前的选择
func (h *MilestoneHandler) CastVote(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	var vote *model.VoteModel
	var err error
	if req.Weight > 0 {
		vote, err = h.engine.Votes.CastVote(ctx, id, req.BackerId, req.Direction, req.Weight)
	} else {
		vote, err = h.engine.Votes.CastBackerVote(ctx, id, req.BackerId, req.Direction)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "vote recorded", vote)
}

// GetVoteStats 投票统计
func (h *MilestoneHandler) GetVoteStats(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	stats, err := h.engine.Votes.Stats(c.Request.Context(), id, c.Query("backer_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", stats)
}

// Resolve 结算投票，已结算时返回原结果
func (h *MilestoneHandler) Resolve(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	outcome, err := h.engine.Votes.Resolve(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "resolved", ResolveResponse{MilestoneId: id, Outcome: outcome})
}

// ForceRelease 管理员改用 adminRelease 重新释放
func (h *MilestoneHandler) ForceRelease(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	record, err := h.engine.Escrow.ForceRelease(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	SuccessResponse(c, http.StatusAccepted, "release submitted", record)
}
