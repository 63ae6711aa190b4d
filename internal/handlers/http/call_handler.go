package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/internal/core/services"
	"callnet/pkg/utils"
	"callnet/pkg/validation"
)

// maxDisplayNameLength matches the display-name validator's bound.
const maxDisplayNameLength = 100

type CallHandler struct {
	calls   *services.CallService
	records ports.CallRecordStore // nil when history is disabled
}

func NewCallHandler(calls *services.CallService, records ports.CallRecordStore) *CallHandler {
	return &CallHandler{
		calls:   calls,
		records: records,
	}
}

func (h *CallHandler) SetupRoutes(router *gin.Engine, authed gin.HandlerFunc) {
	api := router.Group("/api/v1", authed)
	{
		api.POST("/calls", h.MakePeerCall)
		api.POST("/calls/group", h.MakeGroupCall)
		api.GET("/calls/active", h.ActiveCall)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/answer", h.AnswerCall)
		api.POST("/calls/:id/end", h.EndCall)
		api.POST("/calls/:id/mute", h.SetMuted)
		api.GET("/calls/:id/members", h.Members)
		api.GET("/conversations/:id/calls", h.History)
	}
}

type makePeerCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Recipient      string `json:"recipient" binding:"required"`
	RecipientName  string `json:"recipient_username"`
}

func (h *CallHandler) MakePeerCall(c *gin.Context) {
	var req makePeerCallRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateConversationID(req.ConversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateUserID(req.Recipient); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	call, err := h.calls.MakePeerCall(
		c.Request.Context(),
		domain.ConversationID(req.ConversationID),
		domain.UserID(req.Recipient),
		utils.TruncateString(utils.SanitizeString(req.RecipientName), maxDisplayNameLength),
	)
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	c.JSON(http.StatusCreated, callResponse(call))
}

type makeGroupCallRequest struct {
	ConversationID string   `json:"conversation_id" binding:"required"`
	Invitees       []string `json:"invitees"`
}

func (h *CallHandler) MakeGroupCall(c *gin.Context) {
	var req makeGroupCallRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateConversationID(req.ConversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Invitees) > 0 {
		if err := validation.ValidateInviteeCount(len(req.Invitees)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	invitees := make([]domain.UserID, 0, len(req.Invitees))
	for _, id := range req.Invitees {
		if err := validation.ValidateUserID(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		invitees = append(invitees, domain.UserID(id))
	}

	call, err := h.calls.MakeGroupCall(c.Request.Context(), domain.ConversationID(req.ConversationID), invitees)
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	c.JSON(http.StatusCreated, callResponse(call))
}

func (h *CallHandler) ActiveCall(c *gin.Context) {
	call, err := h.calls.ActiveCall(c.Request.Context())
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, callResponse(call))
}

func (h *CallHandler) GetCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}
	call, err := h.calls.Call(c.Request.Context(), id)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, callResponse(call))
}

// AnswerCall accepts a ringing call. Joining continues in the background;
// the response acknowledges the request, not the connection.
func (h *CallHandler) AnswerCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}
	if err := h.calls.RequestAnswer(c.Request.Context(), id, nil); err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "answering"})
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

func (h *CallHandler) EndCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}

	var req endCallRequest
	_ = c.BindJSON(&req)
	reason := domain.EndReasonEnded
	if req.Reason != "" {
		if err := validation.ValidateEndReason(req.Reason); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reason = domain.EndReason(req.Reason)
	}

	done := make(chan error, 1)
	if err := h.calls.EndCall(c.Request.Context(), id, reason, func(err error) { done <- err }); err != nil {
		h.writeCallError(c, err)
		return
	}

	select {
	case <-done:
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	case <-time.After(5 * time.Second):
		c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
	}
}

type setMutedRequest struct {
	Muted bool `json:"muted"`
}

func (h *CallHandler) SetMuted(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}
	call, err := h.calls.Call(c.Request.Context(), id)
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	var req setMutedRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mutable, ok := call.(interface{ SetMuted(bool) })
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "call cannot be muted"})
		return
	}
	mutable.SetMuted(req.Muted)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *CallHandler) Members(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}
	call, err := h.calls.Call(c.Request.Context(), id)
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	group, ok := call.(*services.GroupCall)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "not a group call"})
		return
	}

	members := group.Roster().Members()
	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{
			"user_id":      m.User.ID,
			"username":     m.User.Username,
			"full_name":    m.User.FullName,
			"status":       m.Status.String(),
			"is_connected": m.IsConnected,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

func (h *CallHandler) History(c *gin.Context) {
	if h.records == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "call history disabled"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	records, err := h.records.Recent(c.Request.Context(), domain.ConversationID(c.Param("id")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		entry := gin.H{
			"id":              r.ID,
			"conversation_id": r.ConversationID,
			"is_outgoing":     r.IsOutgoing,
			"is_group":        r.IsGroup,
			"reason":          r.Reason,
			"side":            r.Side,
			"ended_at":        r.EndedAt,
		}
		if d := r.Duration(); d > 0 {
			entry["duration"] = utils.FormatDuration(d)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h *CallHandler) callID(c *gin.Context) (domain.CallID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return domain.CallID{}, false
	}
	return id, true
}

func (h *CallHandler) writeCallError(c *gin.Context, err error) {
	switch err {
	case domain.ErrCallNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case domain.ErrBusy:
		c.JSON(http.StatusConflict, gin.H{"error": "another call is active"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func callResponse(call ports.CallSession) gin.H {
	info := call.Info()
	return gin.H{
		"id":              info.ID,
		"conversation_id": info.ConversationID,
		"is_outgoing":     info.IsOutgoing,
		"is_group":        info.IsGroup,
		"state":           call.State().String(),
		"localized_name":  info.LocalizedName,
	}
}
