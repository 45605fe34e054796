package handler

import (
	"encoding/json"
	"errors"
	"net/http"
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

type MachineHandler struct {
	Store       *store.Store
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Log         *zap.Logger
}

func machineJSON(m model.Machine) gin.H {
	return gin.H{
		"id":                 m.ID,
		"seq":                m.Seq,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
		"metadata":           json.RawMessage(m.Metadata),
		"metadataVersion":    m.MetadataVersion,
		"daemonState":        rawOrNil(m.DaemonState),
		"daemonStateVersion": m.DaemonStateVersion,
		"active":             m.Active,
		"activeAt":           m.ActiveAt,
	}
}

type upsertMachineBody struct {
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata"`
	DaemonState json.RawMessage `json:"daemonState"`
}

func (h *MachineHandler) Upsert(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body upsertMachineBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// Absent metadata means "leave it alone" on refresh; the store fills
	// the insert default.
	metadata := string(body.Metadata)
	var daemonState *string
	if len(body.DaemonState) > 0 {
		s := string(body.DaemonState)
		daemonState = &s
	}

	now := time.Now().UnixMilli()
	m, mutated, err := h.Store.UpsertMachine(c.Request.Context(), id.Namespace, body.ID, metadata, daemonState, now)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			// The id exists under another namespace; indistinguishable
			// from absent on purpose.
			c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
			return
		}
		if errors.Is(err, errs.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.Log.Error("upsert machine failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	h.Cache.PutMachine(m)
	if mutated {
		h.Broadcaster.Publish(id.Namespace, broadcast.Event{
			Event:     broadcast.EventMachineUpdated,
			Payload:   machineJSON(m),
			MachineID: m.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
}

func (h *MachineHandler) List(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines, ok := h.Cache.Machines(id.Namespace)
	if !ok {
		var err error
		machines, err = h.Store.ListMachines(c.Request.Context(), id.Namespace)
		if err != nil {
			h.Log.Error("list machines failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		h.Cache.PutMachines(id.Namespace, machines)
	}

	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, machineJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

func (h *MachineHandler) Get(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	machineID := c.Param("id")

	if m, ok := h.Cache.Machine(id.Namespace, machineID); ok {
		c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
		return
	}
	m, err := h.Store.GetMachine(c.Request.Context(), id.Namespace, machineID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}
	h.Cache.PutMachine(m)
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
}

func (h *MachineHandler) UpdateMetadata(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	machineID := c.Param("id")

	var body updateMetadataBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Metadata) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	status, version, value, err := h.Store.UpdateMachineMetadata(c.Request.Context(), id.Namespace, machineID, body.ExpectedVersion, string(body.Metadata), now)
	if err != nil {
		h.Log.Error("update machine metadata failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	switch status {
	case store.UpdateApplied:
		h.refreshMachine(c, id.Namespace, machineID)
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": json.RawMessage(value)})
	case store.UpdateConflict:
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": json.RawMessage(value)})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
	}
}

type updateDaemonStateBody struct {
	ExpectedVersion int             `json:"expectedVersion"`
	DaemonState     json.RawMessage `json:"daemonState"`
}

func (h *MachineHandler) UpdateDaemonState(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	machineID := c.Param("id")

	var body updateDaemonStateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	var daemonState *string
	if len(body.DaemonState) > 0 {
		s := string(body.DaemonState)
		daemonState = &s
	}

	now := time.Now().UnixMilli()
	status, version, value, err := h.Store.UpdateMachineDaemonState(c.Request.Context(), id.Namespace, machineID, body.ExpectedVersion, daemonState, now)
	if err != nil {
		h.Log.Error("update daemon state failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	switch status {
	case store.UpdateApplied:
		h.refreshMachine(c, id.Namespace, machineID)
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": rawOrNil(value)})
	case store.UpdateConflict:
		c.JSON(http.StatusOK, gin.H{"result": status, "version": version, "value": rawOrNil(value)})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
	}
}

func (h *MachineHandler) SetActive(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	machineID := c.Param("id")

	var body setActiveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	now := time.Now().UnixMilli()
	applied, err := h.Store.SetMachineActive(c.Request.Context(), id.Namespace, machineID, body.Active, body.ActiveAt, now)
	if err != nil {
		h.Log.Error("set machine active failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !applied {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}
	h.refreshMachine(c, id.Namespace, machineID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MachineHandler) refreshMachine(c *gin.Context, namespace, machineID string) {
	m, err := h.Store.GetMachine(c.Request.Context(), namespace, machineID)
	if err != nil {
		return
	}
	h.Cache.PutMachine(m)
	h.Broadcaster.Publish(namespace, broadcast.Event{
		Event:     broadcast.EventMachineUpdated,
		Payload:   machineJSON(m),
		MachineID: m.ID,
	})
}
