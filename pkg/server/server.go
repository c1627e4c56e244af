// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server exposes a channel broker over WebSocket. It owns the
// HTTP-facing concerns the broker itself never sees: upgrade, origin and
// bearer-token checks, CORS, and the per-connection read/write pumps.
package server

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/pkg/broker"
)

// Server contains state for a relay hub server.
type Server struct {
	// AllowedOrigins lists the origins WebSocket upgrades and REST calls may
	// come from. "*", or an empty list, allows any origin. Requests without
	// an Origin header are always allowed.
	AllowedOrigins []string

	// AuthToken is the shared bearer token connections must present.
	// If empty, no authorization is required.
	AuthToken string

	// TimeBetweenPings specifies the amount of time that will elapse before
	// clients will be sent a ping. If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	Log *logrus.Logger

	// Hub holds channel membership. If nil, a fresh broker is created when
	// the server starts serving.
	Hub *broker.Broker
}

// Handler returns the HTTP handler serving the WebSocket upgrade endpoint and
// the stats endpoint. It is exposed so tests can mount the server on httptest.
func (srv *Server) Handler() http.Handler {
	if srv.Hub == nil {
		srv.Hub = broker.New(srv.Log)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/", srv.handleRoot)
	return mux
}

// ListenAndServe listens for connections on the network, and connects them to
// the channel broker.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

func (srv *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !srv.originAllowed(origin) {
		srv.Log.WithField("origin", origin).Warn("Blocked connection from disallowed origin")
		srv.writeCORS(w, origin)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodOptions {
		srv.writeCORS(w, origin)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !srv.authorized(r) {
		srv.Log.Warn("Unauthorized connection attempt")
		srv.writeCORS(w, origin)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		srv.writeCORS(w, origin)
		w.Write([]byte("RelayHub channel relay"))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return srv.originAllowed(r.Header.Get("Origin"))
		},
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.WithField("error", err).Error("Error upgrading connection")
		return
	}

	remoteHost := remoteHostOf(r)
	log := srv.Log.WithField("remote", remoteHost)
	log.Info("Client connected")

	c := newClient(wsConn, log)
	go c.writePump(srv.TimeBetweenPings)
	srv.Hub.HandleOpen(c)
	c.readPump(srv.Hub)
	log.Info("Client disconnected")
}

// handleStats reports broker stats as JSON. The stats endpoint is guarded by
// the same bearer token as the relay itself.
func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !srv.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.Hub.Stats()); err != nil {
		srv.Log.WithField("error", err).Error("Error writing stats")
	}
}

func (srv *Server) originAllowed(origin string) bool {
	if origin == "" || len(srv.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range srv.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// authorized checks the Authorization header against the configured token.
// A raw token without the Bearer prefix is accepted as a convenience.
func (srv *Server) authorized(r *http.Request) bool {
	if srv.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return header == srv.AuthToken || header == "Bearer "+srv.AuthToken
}

func (srv *Server) writeCORS(w http.ResponseWriter, origin string) {
	allowAll := len(srv.AllowedOrigins) == 0
	for _, allowed := range srv.AllowedOrigins {
		if allowed == "*" {
			allowAll = true
		}
	}

	allowOrigin := "*"
	switch {
	case allowAll:
		if origin != "" {
			allowOrigin = origin
		}
	case origin != "" && srv.originAllowed(origin):
		allowOrigin = origin
		w.Header().Set("Vary", "Origin")
	default:
		allowOrigin = srv.AllowedOrigins[0]
		w.Header().Set("Vary", "Origin")
	}

	w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// remoteHostOf gets the host part of a request's remote address.
func remoteHostOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
