// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api is the REST interface for the status of devices and for commands

	GET  /api/devices/{device_id}/status
	POST /api/devices/{device_id}/commands

The status combines the liveness of the device with its credential record. A
command is sealed with the secure channel of the device and published on its
commands topic, it requires the device to have completed the handshake.
*/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/core/schema"
	"github.com/relabs-tech/iotgate/iot"
	"github.com/relabs-tech/iotgate/iot/channel"
	"github.com/relabs-tech/iotgate/iot/credentials"
	"github.com/relabs-tech/iotgate/iot/liveness"
)

const maxBodySize = 64 << 10

// DeviceRecords returns credential records of devices
type DeviceRecords interface {
	Info(deviceID string) (credentials.Record, bool)
}

// StatusReader returns the liveness status of devices
type StatusReader interface {
	Status(deviceID string) liveness.DeviceStatus
}

// CommandSender sends commands to devices
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID string, command interface{}) error
}

// Builder is a builder helper for the Service
type Builder struct {
	// Devices are the credential records. This is mandatory.
	Devices DeviceRecords
	// Liveness is the liveness monitor. This is mandatory.
	Liveness StatusReader
	// Commands sends the commands. Without it the commands route is not served.
	Commands CommandSender
	// Validator validates command bodies. Defaults to the device schemas.
	Validator *schema.Validator
}

// Service is a REST interface for device status and commands
type Service struct {
	devices   DeviceRecords
	liveness  StatusReader
	commands  CommandSender
	validator *schema.Validator
}

// Command is a command for a device
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Status is the status of a device
type Status struct {
	DeviceID     string                 `json:"deviceId"`
	Status       iot.DeviceStatus       `json:"status"`
	LastSeen     *time.Time             `json:"lastSeen"`
	Registered   bool                   `json:"registered"`
	RegisteredAt *time.Time             `json:"registeredAt,omitempty"`
	LastActive   *time.Time             `json:"lastActive,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type commandResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
	Command  string `json:"command"`
}

// NewService returns a new status and command service
func NewService(b *Builder) (*Service, error) {
	if b.Devices == nil {
		panic("Devices is missing")
	}
	if b.Liveness == nil {
		panic("Liveness is missing")
	}
	s := &Service{
		devices:   b.Devices,
		liveness:  b.Liveness,
		commands:  b.Commands,
		validator: b.Validator,
	}
	if s.validator == nil {
		v, err := schema.NewDeviceValidator()
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	return s, nil
}

// DeviceStatus returns the status of a device. It returns false if the
// device is neither registered nor ever sent a heartbeat.
func (s *Service) DeviceStatus(deviceID string) (Status, bool) {
	live := s.liveness.Status(deviceID)
	status := Status{DeviceID: deviceID, Status: live.Status, LastSeen: live.LastSeen}
	record, registered := s.devices.Info(deviceID)
	if !registered && live.LastSeen == nil {
		return Status{}, false
	}
	if registered {
		status.Registered = true
		status.RegisteredAt = timePtr(record.RegisteredAt)
		status.LastActive = timePtr(record.LastActive)
		status.Metadata = record.Metadata
	}
	return status, true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// HandleRoutes adds the status and command routes to router
func (s *Service) HandleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("api: handle route /api/devices/{device_id}/status GET")

	router.HandleFunc("/api/devices/{device_id}/status", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		status, ok := s.DeviceStatus(deviceID)
		if !ok {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods(http.MethodGet)

	if s.commands == nil {
		return
	}
	rlog.Infoln("api: handle route /api/devices/{device_id}/commands POST")

	router.HandleFunc("/api/devices/{device_id}/commands", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		ctx, rlog := logger.ContextWithLoggerDevice(r.Context(), deviceID)
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err := s.validator.ValidateBytes(body, schema.CommandID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var command Command
		if err := json.Unmarshal(body, &command); err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		err = s.commands.SendCommand(ctx, deviceID, command)
		if errors.Is(err, channel.ErrNoActiveSession) {
			http.Error(w, "device has no active session", http.StatusConflict)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("cannot send command")
			http.Error(w, "cannot send command", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, commandResponse{Success: true, DeviceID: deviceID, Command: command.Command})
	}).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
