package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/broadcast"
	"github.com/flintttan/hapi-sub000/internal/cache"
	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/model"
	"github.com/flintttan/hapi-sub000/internal/store"
)

type SessionHandler struct {
	Store       *store.Store
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Log         *zap.Logger
}

func rawOrNil(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

// metadataName extracts the display name from the opaque metadata payload.
// A corrupt blob yields no value rather than an error; the store never
// interprets these bytes, only the edges do.
func metadataName(metadata string) *string {
	var view struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(metadata), &view); err != nil || view.Name == "" {
		return nil
	}
	return &view.Name
}

func sessionJSON(sess model.Session) gin.H {
	return gin.H{
		"id":                sess.ID,
		"tag":               sess.Tag,
		"machineId":         sess.MachineID,
		"seq":               sess.Seq,
		"createdAt":         sess.CreatedAt,
		"updatedAt":         sess.UpdatedAt,
		"name":              metadataName(sess.Metadata),
		"metadata":          json.RawMessage(sess.Metadata),
		"metadataVersion":   sess.MetadataVersion,
		"agentState":        rawOrNil(sess.AgentState),
		"agentStateVersion": sess.AgentStateVersion,
		"todos":             rawOrNil(sess.Todos),
		"todosUpdatedAt":    sess.TodosUpdatedAt,
		"active":            sess.Active,
		"activeAt":          sess.ActiveAt,
	}
}

type createSessionBody struct {
	Tag        string          `json:"tag"`
	Metadata   json.RawMessage `json:"metadata"`
	AgentState json.RawMessage `json:"agentState"`
	MachineID  *string         `json:"machineId"`
}

func (h *SessionHandler) GetOrCreate(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing tag"})
		return
	}

	metadata := "{}"
	if len(body.Metadata) > 0 {
		metadata = string(body.Metadata)
	}
	var agentState *string
	if len(body.AgentState) > 0 {
		s := string(body.AgentState)
		agentState = &s
	}

	now := time.Now().UnixMilli()
	sess, created, err := h.Store.GetOrCreateSession(c.Request.Context(), id.Namespace, body.Tag, metadata, agentState, body.MachineID, now)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.Log.Error("get-or-create session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	h.Cache.PutSession(sess)
	if created {
		h.Broadcaster.Publish(id.Namespace, broadcast.Event{
			Event:     broadcast.EventSessionUpdated,
			Payload:   sessionJSON(sess),
			SessionID: sess.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) List(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	// Cache first, but only when the mirror holds the whole namespace; a
	// shard warmed by point reads would otherwise serve a partial listing.
	sessions, ok := h.Cache.Sessions(id.Namespace)
	if !ok {
		var err error
		sessions, err = h.Store.ListSessions(c.Request.Context(), id.Namespace)
		if err != nil {
			h.Log.Error("list sessions failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		h.Cache.PutSessions(id.Namespace, sessions)
	}

	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	if sess, ok := h.Cache.Session(id.Namespace, sessionID); ok {
		c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
		return
	}
	sess, err := h.Store.GetSession(c.Request.Context(), id.Namespace, sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	h.Cache.PutSession(sess)
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	err := h.Store.DeleteSession(c.Request.Context(), id.Namespace, sessionID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	case errors.Is(err, errs.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Session is active"})
		return
	case err != nil:
		h.Log.Error("delete session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	h.Cache.EvictSession(id.Namespace, sessionID)
	h.Broadcaster.Publish(id.Namespace, broadcast.Event{
		Event:     broadcast.EventSessionDeleted,
		Payload:   gin.H{"id": sessionID},
		SessionID: sessionID,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type updateMetadataBody struct {
	ExpectedVersion int             `json:"expectedVersion"`
	Metadata        json.RawMessage `json:"metadata"`
}

func (h *SessionHandler) UpdateMetadata(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	var body updateMetadataBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Metadata) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	status, version, value, err := h.Store.UpdateSessionMetadata(c.Request.Context(), id.Namespace, sessionID, body.ExpectedVersion, string(body.Metadata), now)
	if err != nil {
		h.Log.Error("update session metadata failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	switch status {
	case store.UpdateApplied:
		h.refreshSession(c, id.Namespace, sessionID)
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": json.RawMessage(value)})
	case store.UpdateConflict:
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": json.RawMessage(value)})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	}
}

type updateAgentStateBody struct {
	ExpectedVersion int             `json:"expectedVersion"`
	AgentState      json.RawMessage `json:"agentState"`
}

func (h *SessionHandler) UpdateAgentState(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	var body updateAgentStateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	var agentState *string
	if len(body.AgentState) > 0 {
		s := string(body.AgentState)
		agentState = &s
	}

	now := time.Now().UnixMilli()
	status, version, value, err := h.Store.UpdateSessionAgentState(c.Request.Context(), id.Namespace, sessionID, body.ExpectedVersion, agentState, now)
	if err != nil {
		h.Log.Error("update agent state failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	switch status {
	case store.UpdateApplied:
		h.refreshSession(c, id.Namespace, sessionID)
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": rawOrNil(value)})
	case store.UpdateConflict:
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": rawOrNil(value)})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	}
}

type updateTodosBody struct {
	Todos     json.RawMessage `json:"todos"`
	UpdatedAt int64           `json:"updatedAt"`
}

func (h *SessionHandler) UpdateTodos(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	var body updateTodosBody
	if err := c.ShouldBindJSON(&body); err != nil || body.UpdatedAt <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	var todos *string
	if len(body.Todos) > 0 {
		s := string(body.Todos)
		todos = &s
	}

	applied, err := h.Store.SetSessionTodos(c.Request.Context(), id.Namespace, sessionID, todos, body.UpdatedAt)
	if err != nil {
		h.Log.Error("set todos failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if applied {
		h.refreshSession(c, id.Namespace, sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

type setActiveBody struct {
	Active   bool  `json:"active"`
	ActiveAt int64 `json:"activeAt"`
}

func (h *SessionHandler) SetActive(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	var body setActiveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	applied, err := h.Store.SetSessionActive(c.Request.Context(), id.Namespace, sessionID, body.Active, body.ActiveAt, now)
	if err != nil {
		h.Log.Error("set session active failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !applied {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	h.refreshSession(c, id.Namespace, sessionID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// refreshSession re-reads the authoritative row, mirrors it into the cache
// before the response is acknowledged, and broadcasts the update.
func (h *SessionHandler) refreshSession(c *gin.Context, namespace, sessionID string) {
	sess, err := h.Store.GetSession(c.Request.Context(), namespace, sessionID)
	if err != nil {
		return
	}
	h.Cache.PutSession(sess)
	h.Broadcaster.Publish(namespace, broadcast.Event{
		Event:     broadcast.EventSessionUpdated,
		Payload:   sessionJSON(sess),
		SessionID: sess.ID,
	})
}

func messageJSON(msg model.SessionMessage) gin.H {
	return gin.H{
		"id":        msg.ID,
		"seq":       msg.Seq,
		"localId":   msg.LocalID,
		"content":   json.RawMessage(msg.Content),
		"createdAt": msg.CreatedAt,
	}
}

func (h *SessionHandler) Messages(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}

	msgs, err := h.Store.ListMessages(c.Request.Context(), id.Namespace, sessionID, after, limit)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.Log.Error("list messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

type createMessageBody struct {
	Content json.RawMessage `json:"content"`
	LocalID *string         `json:"localId"`
}

func (h *SessionHandler) CreateMessage(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	var body createMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Content) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	msg, created, err := h.Store.CreateMessage(c.Request.Context(), id.Namespace, sessionID, string(body.Content), body.LocalID, now)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.Log.Error("create message failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	if created {
		// The child write bumped the session aggregate; keep the mirror
		// current before acknowledging.
		if sess, err := h.Store.GetSession(c.Request.Context(), id.Namespace, sessionID); err == nil {
			h.Cache.PutSession(sess)
		}
		h.Broadcaster.Publish(id.Namespace, broadcast.Event{
			Event:     broadcast.EventMessageUpdated,
			Payload:   gin.H{"sessionId": sessionID, "message": messageJSON(msg)},
			SessionID: sessionID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"message": messageJSON(msg)})
}
