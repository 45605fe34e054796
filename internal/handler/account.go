package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/auth"
	"github.com/flintttan/hapi-sub000/internal/cache"
	"github.com/flintttan/hapi-sub000/internal/crypto"
	"github.com/flintttan/hapi-sub000/internal/errs"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/store"
)

type AccountHandler struct {
	Store        *store.Store
	Cache        *cache.Cache
	TokenConfig  auth.TokenConfig
	LoginLimiter *middleware.RateLimiter
	Log          *zap.Logger
}

type registerBody struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email"`
}

func (h *AccountHandler) Register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	hash, err := crypto.HashPassword(body.Password)
	if err != nil {
		h.Log.Error("password hash failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	now := time.Now().UnixMilli()
	user, err := h.Store.CreateUser(c.Request.Context(), body.Username, body.Email, &hash, nil, now)
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Username already taken"})
			return
		}
		h.Log.Error("create user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	token, err := auth.CreateToken(user.ID, "", h.TokenConfig)
	if err != nil {
		h.Log.Error("token creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "user": gin.H{"id": user.ID, "username": user.Username}})
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AccountHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if h.LoginLimiter != nil && !h.LoginLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	user, err := h.Store.GetUserByUsername(c.Request.Context(), body.Username)
	if err != nil || user.PasswordHash == nil || !crypto.VerifyPassword(body.Password, *user.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.CreateToken(user.ID, "", h.TokenConfig)
	if err != nil {
		h.Log.Error("token creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}

func (h *AccountHandler) Profile(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	user, err := h.Store.GetUserByID(c.Request.Context(), id.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"namespace": id.Namespace,
		"createdAt": user.CreatedAt,
	})
}

// Delete removes the caller's account. The store cascades to sessions,
// messages, machines and CLI tokens; the cache shard goes with it.
func (h *AccountHandler) Delete(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Store.DeleteUser(c.Request.Context(), id.UserID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.Log.Error("delete user failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	h.Cache.EvictNamespace(id.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
