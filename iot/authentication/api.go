// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package authentication

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/core/schema"
	"github.com/relabs-tech/iotgate/iot/credentials"
	"github.com/relabs-tech/iotgate/iot/otk"
)

// maxBodySize limits request bodies of the authentication routes
const maxBodySize = 64 << 10

// Registrar registers device credentials
type Registrar interface {
	Register(ctx context.Context, deviceID, secret string, metadata map[string]interface{}) error
}

// SessionListener is notified when a device completed the handshake, before the
// session key is returned to the device
type SessionListener interface {
	OnAuthenticated(ctx context.Context, deviceID, sessionKey string) error
}

// ServiceBuilder is a builder helper for the Service
type ServiceBuilder struct {
	// Engine runs the authentication sessions. This is mandatory.
	Engine *Engine
	// Registrar registers new devices. This is mandatory.
	Registrar Registrar
	// Tokens signs device tokens. This is mandatory.
	Tokens *TokenIssuer
	// Validator validates request bodies. This is mandatory.
	Validator *schema.Validator
	// Listener is optional
	Listener SessionListener
}

// Service is the REST interface for device registration and authentication
type Service struct {
	engine    *Engine
	registrar Registrar
	tokens    *TokenIssuer
	validator *schema.Validator
	listener  SessionListener
}

// NewService returns a new authentication service
func NewService(b *ServiceBuilder) *Service {
	if b.Engine == nil || b.Registrar == nil || b.Tokens == nil || b.Validator == nil {
		panic("authentication service is missing a mandatory component")
	}
	return &Service{
		engine:    b.Engine,
		registrar: b.Registrar,
		tokens:    b.Tokens,
		validator: b.Validator,
		listener:  b.Listener,
	}
}

type registerRequest struct {
	DeviceID string                 `json:"deviceId"`
	Secret   string                 `json:"secret"`
	Metadata map[string]interface{} `json:"metadata"`
}

type registerResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
}

type initiateRequest struct {
	DeviceID string `json:"deviceId"`
}

type initiateResponse struct {
	SessionID string `json:"sessionId"`
}

type validateCredentialsRequest struct {
	SessionID string `json:"sessionId"`
	Secret    string `json:"secret"`
}

type validateCredentialsResponse struct {
	Success bool   `json:"success"`
	Otk     string `json:"otk"`
}

type validateOtkRequest struct {
	SessionID string `json:"sessionId"`
	Otk       string `json:"otk"`
}

type validateOtkResponse struct {
	Success    bool   `json:"success"`
	DeviceID   string `json:"deviceId"`
	SessionKey string `json:"sessionKey"`
	Token      string `json:"token"`
}

// HandleRoutes adds the registration and authentication routes to router
func (s *Service) HandleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("authentication: handle route /api/devices/register POST")
	rlog.Infoln("authentication: handle route /api/auth/initiate POST")
	rlog.Infoln("authentication: handle route /api/auth/validate-credentials POST")
	rlog.Infoln("authentication: handle route /api/auth/validate-otk POST")

	router.HandleFunc("/api/devices/register", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !s.decode(w, r, schema.RegisterID, &req) {
			return
		}
		if err := s.registrar.Register(r.Context(), req.DeviceID, req.Secret, req.Metadata); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, registerResponse{Success: true, DeviceID: req.DeviceID})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/auth/initiate", func(w http.ResponseWriter, r *http.Request) {
		var req initiateRequest
		if !s.decode(w, r, schema.InitiateID, &req) {
			return
		}
		sessionID, err := s.engine.Initiate(r.Context(), req.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, initiateResponse{SessionID: sessionID})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/auth/validate-credentials", func(w http.ResponseWriter, r *http.Request) {
		var req validateCredentialsRequest
		if !s.decode(w, r, schema.ValidateCredentialsID, &req) {
			return
		}
		key, err := s.engine.ValidateCredentials(r.Context(), req.SessionID, req.Secret)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, validateCredentialsResponse{Success: true, Otk: key})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/auth/validate-otk", func(w http.ResponseWriter, r *http.Request) {
		var req validateOtkRequest
		if !s.decode(w, r, schema.ValidateOtkID, &req) {
			return
		}
		grant, err := s.engine.ValidateOtk(r.Context(), req.SessionID, req.Otk)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx, rlog := logger.ContextWithLoggerDevice(r.Context(), grant.DeviceID)
		token, err := s.tokens.Issue(grant.DeviceID, grant.SessionID)
		if err != nil {
			rlog.WithError(err).Errorln("cannot issue device token")
			http.Error(w, "cannot issue device token", http.StatusInternalServerError)
			return
		}
		if s.listener != nil {
			if err := s.listener.OnAuthenticated(ctx, grant.DeviceID, grant.SessionKey); err != nil {
				rlog.WithError(err).Errorln("cannot open device channel")
				http.Error(w, "cannot open device channel", http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, http.StatusOK, validateOtkResponse{
			Success:    true,
			DeviceID:   grant.DeviceID,
			SessionKey: grant.SessionKey,
			Token:      token,
		})
	}).Methods(http.MethodPost)
}

// decode reads, validates and unmarshals a request body. It writes the error
// response itself and returns false if the body is not acceptable.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, schemaID string, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return false
	}
	if err := s.validator.ValidateBytes(body, schemaID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps the errors of the handshake to http status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDeviceID), errors.Is(err, credentials.ErrInvalidDeviceID):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, otk.ErrNoActiveKey),
		errors.Is(err, otk.ErrKeyExpired),
		errors.Is(err, otk.ErrKeyMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSessionState):
		return http.StatusConflict
	case errors.Is(err, credentials.ErrFilterFull):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorln("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
