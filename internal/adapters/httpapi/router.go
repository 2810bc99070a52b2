// Package httpapi is the local control surface the presentation layer talks
// to: REST commands in, a websocket event stream out.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *app.Controller, hub *EventHub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	api.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		code, err := ctrl.CreateRoom(ctx, req.Name)
		if err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"room": code})
	})

	api.POST("/rooms/:code/join", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if err := ctrl.JoinRoom(ctx, c.Param("code"), req.Name); err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": c.Param("code")})
	})

	api.POST("/rooms/cancel", func(c *gin.Context) {
		if err := ctrl.CancelRoom(ctx); err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	})

	api.POST("/participants/:id/kick", func(c *gin.Context) {
		if err := ctrl.Kick(ctx, domain.UserID(c.Param("id"))); err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kicked": c.Param("id")})
	})

	api.POST("/call/end", func(c *gin.Context) {
		if err := ctrl.EndCall(ctx); err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ended": true})
	})

	api.POST("/call/mute", func(c *gin.Context) {
		if err := ctrl.ToggleMute(); err != nil {
			status, msg := mapError(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"toggled": true})
	})

	api.POST("/presence/away", func(c *gin.Context) {
		ctrl.SetAway(ctx)
		c.Status(http.StatusNoContent)
	})

	api.POST("/presence/online", func(c *gin.Context) {
		ctrl.SetOnline(ctx)
		c.Status(http.StatusNoContent)
	})

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Msg("events socket hit")
		hub.handleEvents(ctx, c)
	})

	return r
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrRoomNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrRoomEnded), errors.Is(err, app.ErrRoomFull), errors.Is(err, app.ErrBadRoomCode):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrNotHost):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, app.ErrNoSession), errors.Is(err, app.ErrAlreadyInRoom):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
