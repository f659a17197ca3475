// Package api is the HTTP control surface of the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sipgateway/call"
	"sipgateway/gateway"
	"sipgateway/secure"
	"sipgateway/wsgateway"
)

// Server serves the control API.
type Server struct {
	gw       *gateway.SipGateway
	ws       *wsgateway.Gateway
	tokens   *secure.Tokens
	secret   string
	log      *logrus.Entry
	upgrader websocket.Upgrader
}

// NewServer creates a Server. secret is the API key expected in X-API-Key.
func NewServer(gw *gateway.SipGateway, ws *wsgateway.Gateway, tokens *secure.Tokens, secret string, log *logrus.Entry) *Server {
	return &Server{
		gw:     gw,
		ws:     ws,
		tokens: tokens,
		secret: secret,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type response struct {
	Status  bool   `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/call/{call_id}", s.handleWs).Methods(http.MethodGet)

	calls := r.PathPrefix("/call").Subrouter()
	calls.Use(s.authMiddleware)
	calls.HandleFunc("", s.handleMakeCall).Methods(http.MethodPost)
	calls.HandleFunc("/{call_id}", s.handleUpdateCall).Methods(http.MethodPut)
	return r
}

// Start serves on port until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		Addr:              fmt.Sprintf(":%d", port),
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("HTTP server starting on port %d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugf("%s %s from %s in %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, response{Error: "INTERNAL_ERROR"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secure.CheckSecret(r.Header.Get("X-API-Key"), s.secret) {
			writeJSON(w, http.StatusUnauthorized, response{Error: "AUTHENTICATION_ERROR"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req gateway.MakeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "MAKE_CALL_ERROR", Message: err.Error()})
		return
	}
	res, err := s.gw.MakeCall(r.Context(), req)
	if err != nil {
		s.log.Warnf("make call: %v", err)
		writeJSON(w, http.StatusBadRequest, response{Error: "MAKE_CALL_ERROR", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: true, Data: res})
}

func (s *Server) handleUpdateCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	var req call.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "UPDATE_CALL_ERROR", Message: err.Error()})
		return
	}
	action, opts, err := req.Parse()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: string(call.ErrUnsupportedAction), Message: err.Error()})
		return
	}
	res := s.gw.CallAction(r.Context(), callID, action, opts...)
	s.log.Infof("call %s action %s: ok=%v %s", callID, action, res.OK, res.Error)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	claims, err := s.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil || claims.CallID != callID {
		writeJSON(w, http.StatusUnauthorized, response{Error: "AUTHENTICATION_ERROR", Message: "invalid call token"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade for %s: %v", callID, err)
		return
	}
	s.ws.Serve(callID, uuid.NewString(), conn)
}

type healthCalls struct {
	Incoming int `json:"incoming"`
	Outgoing int `json:"outgoing"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	in, out := s.gw.Registry().Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"calls":  healthCalls{Incoming: in, Outgoing: out},
	})
}
