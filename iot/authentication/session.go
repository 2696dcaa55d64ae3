// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package authentication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/iot/otk"
)

const (
	// DefaultTTL is the inactivity timeout of a session
	DefaultTTL = 5 * time.Minute
	// DefaultMaxAttempts is the number of failed factor checks a session tolerates
	DefaultMaxAttempts = 3

	sessionKeySize = 32
)

var (
	// ErrNoSession is returned for unknown or expired sessions
	ErrNoSession = errors.New("no such session")
	// ErrInvalidSessionState is returned when a step is called out of order
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrInvalidCredentials is returned when the first factor fails
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidDeviceID is returned when a session is initiated without device id
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Stage is the stage of an authentication session
type Stage int

// The stages of a session
const (
	StageInitiated Stage = iota
	StageCredentialsValidated
	StageOtkValidated
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInitiated:
		return "initiated"
	case StageCredentialsValidated:
		return "credentials-validated"
	case StageOtkValidated:
		return "otk-validated"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// CredentialValidator is the first factor
type CredentialValidator interface {
	Validate(deviceID, secret string) bool
}

// KeyManager is the second factor
type KeyManager interface {
	Issue(deviceID string) (string, error)
	Verify(deviceID, key string) error
}

// Grant is the result of a completed handshake
type Grant struct {
	SessionID  string
	DeviceID   string
	SessionKey string
}

type session struct {
	deviceID     string
	stage        Stage
	attempts     int
	lastActivity time.Time
}

// Builder is a builder helper for the Engine
type Builder struct {
	// Credentials is the first factor. This is mandatory.
	Credentials CredentialValidator
	// Keys is the second factor. This is mandatory.
	Keys KeyManager
	// TTL is the inactivity timeout of a session. Defaults to DefaultTTL.
	TTL time.Duration
	// MaxAttempts is the number of failed checks after which a session fails.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs the authentication sessions. It is safe for concurrent use,
// steps of the same session are serialized.
type Engine struct {
	mu          sync.Mutex
	sessions    map[string]*session
	credentials CredentialValidator
	keys        KeyManager
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// New returns a new session engine
func New(b Builder) *Engine {
	if b.Credentials == nil || b.Keys == nil {
		panic("authentication engine needs credentials and keys")
	}
	e := &Engine{
		sessions:    make(map[string]*session),
		credentials: b.Credentials,
		keys:        b.Keys,
		ttl:         b.TTL,
		maxAttempts: b.MaxAttempts,
		now:         b.Now,
	}
	if e.ttl <= 0 {
		e.ttl = DefaultTTL
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Initiate opens a new session for the device and returns its identifier.
// Whether the device is registered is checked by the first factor.
func (e *Engine) Initiate(ctx context.Context, deviceID string) (string, error) {
	if len(deviceID) == 0 {
		return "", ErrInvalidDeviceID
	}
	sessionID := uuid.New().String()
	e.mu.Lock()
	e.sessions[sessionID] = &session{
		deviceID:     deviceID,
		stage:        StageInitiated,
		lastActivity: e.now(),
	}
	e.mu.Unlock()
	logger.FromContext(ctx).WithField("device_id", deviceID).Debugln("authentication session initiated")
	return sessionID, nil
}

// lookup returns a live session. Expired sessions are removed. Must be
// called with the lock held.
func (e *Engine) lookup(sessionID string, now time.Time) (*session, error) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	if now.Sub(s.lastActivity) > e.ttl {
		delete(e.sessions, sessionID)
		return nil, ErrNoSession
	}
	return s, nil
}

// checkStage fails the session when it is not in stage want
func (e *Engine) checkStage(s *session, want Stage) error {
	if s.stage != want {
		got := s.stage
		s.stage = StageFailed
		return fmt.Errorf("%w: session is %s, expected %s", ErrInvalidSessionState, got, want)
	}
	return nil
}

// failedAttempt counts a failed factor check and fails the session once
// the attempts are used up
func (e *Engine) failedAttempt(s *session) {
	s.attempts++
	if s.attempts >= e.maxAttempts {
		s.stage = StageFailed
	}
}

// ValidateCredentials runs the first factor. On success it issues the one-time
// key for the second factor and returns it.
func (e *Engine) ValidateCredentials(ctx context.Context, sessionID, secret string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	s, err := e.lookup(sessionID, now)
	if err != nil {
		return "", err
	}
	rlog := logger.FromContext(ctx).WithField("device_id", s.deviceID)
	if err := e.checkStage(s, StageInitiated); err != nil {
		rlog.Warnln("credentials presented out of order")
		return "", err
	}
	s.lastActivity = now

	if !e.credentials.Validate(s.deviceID, secret) {
		e.failedAttempt(s)
		rlog.WithField("attempts", s.attempts).Infoln("invalid credentials")
		return "", ErrInvalidCredentials
	}

	key, err := e.keys.Issue(s.deviceID)
	if err != nil {
		return "", err
	}
	s.stage = StageCredentialsValidated
	s.attempts = 0
	rlog.Debugln("credentials validated, one-time key issued")
	return key, nil
}

// ValidateOtk runs the second factor. On success it derives a fresh session key
// and closes the session.
func (e *Engine) ValidateOtk(ctx context.Context, sessionID, key string) (Grant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	s, err := e.lookup(sessionID, now)
	if err != nil {
		return Grant{}, err
	}
	rlog := logger.FromContext(ctx).WithField("device_id", s.deviceID)
	if err := e.checkStage(s, StageCredentialsValidated); err != nil {
		rlog.Warnln("one-time key presented out of order")
		return Grant{}, err
	}
	s.lastActivity = now

	if err := e.keys.Verify(s.deviceID, key); err != nil {
		if errors.Is(err, otk.ErrKeyMismatch) {
			e.failedAttempt(s)
		} else {
			// the key is gone, retrying cannot succeed
			s.stage = StageFailed
		}
		rlog.WithField("attempts", s.attempts).Infoln("one-time key rejected:", err)
		return Grant{}, err
	}

	raw := make([]byte, sessionKeySize)
	if _, err := rand.Read(raw); err != nil {
		s.stage = StageFailed
		return Grant{}, fmt.Errorf("cannot generate session key: %w", err)
	}
	s.stage = StageOtkValidated
	delete(e.sessions, sessionID)
	rlog.Infoln("device authenticated")
	return Grant{
		SessionID:  sessionID,
		DeviceID:   s.deviceID,
		SessionKey: hex.EncodeToString(raw),
	}, nil
}

// Stage returns the stage of a live session
func (e *Engine) Stage(sessionID string) (Stage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lookup(sessionID, e.now())
	if err != nil {
		return StageFailed, err
	}
	return s.stage, nil
}

// Sweep removes expired and failed sessions and returns how many were removed
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	removed := 0
	for id, s := range e.sessions {
		if s.stage == StageFailed || now.Sub(s.lastActivity) > e.ttl {
			delete(e.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions held in memory
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Run sweeps the sessions every interval until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := e.Sweep(); removed > 0 {
				logger.Default().Debugf("removed %d stale authentication sessions", removed)
			}
		}
	}
}
