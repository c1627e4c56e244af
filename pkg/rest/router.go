// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package rest exposes the relay client over HTTP: a liveness probe for the
// remote peer, and forwarding of opaque commands to it.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/pkg/relay"
)

// Config configures the REST surface.
type Config struct {
	// AuthToken guards the /channels routes. Empty disables authorization.
	AuthToken string

	// AllowedOrigins for CORS. "*", or an empty list, allows any origin.
	AllowedOrigins []string
}

// A CommandSender is the slice of the relay client the REST surface needs.
type CommandSender interface {
	Request(ctx context.Context, channel string, cmd relay.Command, timeout time.Duration) (json.RawMessage, error)
	Heartbeat(channel string) bool
	Status() relay.Status
}

// commandRequest is the body of POST /channels/:channel/commands.
type commandRequest struct {
	Type      string                 `json:"type" binding:"required"`
	Params    map[string]interface{} `json:"params"`
	TimeoutMS int                    `json:"timeoutMs"`
}

// NewRouter builds the gin engine serving the REST surface on top of client.
func NewRouter(config Config, client CommandSender, log *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(config.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	channels := router.Group("/channels", authMiddleware(config.AuthToken))
	channels.GET("/:channel/heartbeat", func(c *gin.Context) {
		active := client.Heartbeat(c.Param("channel"))
		c.JSON(http.StatusOK, gin.H{"active": active})
	})
	channels.POST("/:channel/commands", func(c *gin.Context) {
		channel := c.Param("channel")

		var req commandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
			return
		}

		// Fail fast with a distinct "peer unavailable" condition instead of
		// letting the command time out.
		if !client.Heartbeat(channel) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "plugin not active on channel",
				"channel": channel,
			})
			return
		}

		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		result, err := client.Request(c.Request.Context(), channel, relay.Command{
			Type:   req.Type,
			Params: req.Params,
		}, timeout)
		if err != nil {
			log.WithFields(logrus.Fields{
				"channel": channel,
				"command": req.Type,
				"error":   err,
			}).Warn("Command failed")
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, client.Status())
	})

	return router
}

// statusOf maps relay errors onto HTTP statuses: timeouts and a missing
// connection are expected, recoverable conditions and get gateway statuses
// rather than a generic 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrNotConnected), errors.Is(err, relay.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// authMiddleware checks the Authorization header against the configured
// token, accepting a raw token without the Bearer prefix as a convenience.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header != token && header != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := "*"
		switch {
		case allowAll:
			if origin != "" {
				allowOrigin = origin
			}
		default:
			allowOrigin = allowedOrigins[0]
			for _, allowed := range allowedOrigins {
				if allowed == origin {
					allowOrigin = origin
				}
			}
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Origin", allowOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
