package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/store"
)

type TokenHandler struct {
	Store *store.Store
	Log   *zap.Logger
}

type createTokenBody struct {
	Label *string `json:"label"`
}

// Create issues a CLI token. The plaintext appears in this response and
// nowhere else, ever.
func (h *TokenHandler) Create(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createTokenBody
	_ = c.ShouldBindJSON(&body)

	now := time.Now().UnixMilli()
	tok, plaintext, err := h.Store.GenerateCliToken(c.Request.Context(), id.UserID, body.Label, now)
	if err != nil {
		h.Log.Error("generate cli token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": plaintext,
		"id":    tok.ID,
		"label": tok.Label,
	})
}

func (h *TokenHandler) List(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	tokens, err := h.Store.ListCliTokens(c.Request.Context(), id.UserID)
	if err != nil {
		h.Log.Error("list cli tokens failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	resp := make([]gin.H, 0, len(tokens))
	for _, tok := range tokens {
		resp = append(resp, gin.H{
			"id":         tok.ID,
			"label":      tok.Label,
			"createdAt":  tok.CreatedAt,
			"lastUsedAt": tok.LastUsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": resp})
}

func (h *TokenHandler) Revoke(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	tokenID := c.Param("id")
	if err := h.Store.RevokeCliToken(c.Request.Context(), tokenID, id.UserID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
			return
		}
		h.Log.Error("revoke cli token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
