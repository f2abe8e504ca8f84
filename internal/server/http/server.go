// Package httpserver exposes credential and connection management over JSON HTTP.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/convert"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/errs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/orchestrator"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/vault"
)

// Prefix is the mount point of every API route.
const Prefix = "/api/v1/brokers"

const maxBody = 64 << 10

// Server serves the broker API.
type Server struct {
	vault   vault.Vault
	orch    orchestrator.Orchestrator
	signKey []byte
	log     *zap.Logger
}

// New constructs a Server.
func New(v vault.Vault, orch orchestrator.Orchestrator, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{vault: v, orch: orch, signKey: signKey, log: log}
}

// Handler returns the routed handler wrapped with recovery and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.Handler { return requireAuth(s.signKey, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET "+Prefix+"/supported", auth(s.supported))
	mux.Handle("PUT "+Prefix+"/credentials", auth(s.saveCredential))
	mux.Handle("GET "+Prefix+"/credentials", auth(s.listCredentials))
	mux.Handle("DELETE "+Prefix+"/credentials/{broker_id}", auth(s.deleteCredential))
	mux.Handle("POST "+Prefix+"/connect/{broker_id}", auth(s.connect))
	mux.Handle("POST "+Prefix+"/callback/{broker_id}", auth(s.callback))
	mux.Handle("GET "+Prefix+"/connections", auth(s.listConnections))
	mux.Handle("GET "+Prefix+"/connections/{connection_id}", auth(s.getConnection))
	mux.Handle("GET "+Prefix+"/connections/{connection_id}/transitions", auth(s.transitions))
	mux.Handle("DELETE "+Prefix+"/connections/{connection_id}", auth(s.disconnect))

	return logging(s.log, recoverer(s.log, mux))
}

// fail logs unexpected errors and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("route", r.Pattern), zap.Error(err))
	}
	if errors.Is(err, errs.ErrRateLimited) {
		w.Header().Set("Retry-After", retryAfterSeconds(err))
	}
	writeError(w, status, msg)
}

// retryAfterSeconds rounds the carried wait up to whole seconds, defaulting to one minute.
func retryAfterSeconds(err error) string {
	d, ok := errs.RetryAfter(err)
	if !ok || d <= 0 {
		return "60"
	}
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}

func userID(r *http.Request) uuid.UUID {
	id, _ := UserIDFromCtx(r.Context())
	return id
}

func brokerID(r *http.Request) model.BrokerID {
	return model.BrokerID(strings.ToLower(strings.TrimSpace(r.PathValue("broker_id"))))
}

func connectionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.FromString(r.PathValue("connection_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: connection_id must be a uuid", errs.ErrValidation)
	}
	return id, nil
}

// decode reads a JSON body. An empty body leaves dst untouched when optional is set.
func decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: malformed json body", errs.ErrValidation)
	}
	return nil
}

func (s *Server) supported(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, convert.ToSupportedBrokers(s.orch.SupportedBrokers()))
}

func (s *Server) saveCredential(w http.ResponseWriter, r *http.Request) {
	var req convert.SaveCredentialRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	broker := model.BrokerID(strings.ToLower(strings.TrimSpace(req.BrokerID)))
	view, err := s.vault.Save(r.Context(), userID(r), broker, req.APIKey, req.APISecret, req.IsSandbox)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToCredential(view))
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	views, err := s.vault.List(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToCredentials(views))
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Delete(r.Context(), userID(r), brokerID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	started, err := s.orch.InitiateConnection(r.Context(), userID(r), brokerID(r), r.URL.Query().Get("redirect_uri"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToInitiation(started))
}

// callback accepts the payload as a JSON body, or as query parameters when the body is empty.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := convert.Callback{
		State:         q.Get("state"),
		Code:          q.Get("code"),
		OAuthToken:    q.Get("oauth_token"),
		OAuthVerifier: q.Get("oauth_verifier"),
		Error:         q.Get("error"),
	}
	if err := decode(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.orch.CompleteCallback(r.Context(), userID(r), brokerID(r), q.Get("redirect_uri"), convert.FromCallback(body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToConnection(conn))
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.orch.ListConnections(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToConnections(conns))
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.orch.GetConnection(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToConnection(*c))
}

func (s *Server) transitions(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	hist, err := s.orch.History(r.Context(), userID(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToTransitions(hist))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.orch.Disconnect(r.Context(), userID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
