// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/core/schema"
	"github.com/relabs-tech/iotgate/iot"
	"github.com/relabs-tech/iotgate/iot/channel"
	"github.com/relabs-tech/iotgate/iot/liveness"
	"github.com/relabs-tech/iotgate/iot/telemetry"
)

// ErrNoActiveSession is returned when a command is sent to a device without
// an open channel
var ErrNoActiveSession = channel.ErrNoActiveSession

// ErrNotRunning is returned when publishing before the broker runs
var ErrNotRunning = errors.New("broker is not running")

var errNotAuthorized = errors.New("not authorized")

var _ iot.MessagePublisher = (*Broker)(nil)

// Channels seals and unseals messages of devices
type Channels interface {
	Active(deviceID string) bool
	Seal(deviceID string, payload []byte) (string, error)
	Unseal(deviceID, envelope string) ([]byte, error)
}

// TokenVerifier verifies device tokens and returns the device id
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// HeartbeatRecorder records heartbeats of devices
type HeartbeatRecorder interface {
	RecordHeartbeat(deviceID string, status iot.DeviceStatus) liveness.Heartbeat
}

// Broker is a MQTT broker for IoT devices with secure channels
type Broker struct {
	p         *plugin
	address   string
	tlsConfig *tls.Config
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address is the listen address. Defaults to ":1883".
	Address string
	// CertFile is the file path to the X.509 certificate file. Enables TLS.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. Mandatory with CertFile.
	KeyFile string
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// If set, devices must present a client certificate with their device id as common name.
	CACertFile string
	// Channels is the registry of secure channels. This is mandatory.
	Channels Channels
	// Tokens verifies the MQTT passwords. This is mandatory.
	Tokens TokenVerifier
	// Monitor receives the heartbeats. This is mandatory.
	Monitor HeartbeatRecorder
	// Sink receives decrypted messages. Defaults to telemetry.Discard.
	Sink telemetry.Sink
	// Validator validates heartbeats. Defaults to the device schemas.
	Validator *schema.Validator
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// heartbeatMessage is the decrypted payload of a heartbeat
type heartbeatMessage struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// plugin is the plugin for GMQTT
type plugin struct {
	channels  Channels
	tokens    TokenVerifier
	monitor   HeartbeatRecorder
	sink      telemetry.Sink
	validator *schema.Validator
	now       func() time.Time

	identitiesMux sync.Mutex
	identities    map[net.Conn]string

	serviceMux sync.RWMutex
	service    gmqtt.Server

	// publish is replaced in tests
	publish func(topic string, payload []byte) error
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.Channels == nil {
		panic("Channels is missing")
	}
	if bb.Tokens == nil {
		panic("Tokens is missing")
	}
	if bb.Monitor == nil {
		panic("Monitor is missing")
	}

	p := &plugin{
		channels:   bb.Channels,
		tokens:     bb.Tokens,
		monitor:    bb.Monitor,
		sink:       bb.Sink,
		validator:  bb.Validator,
		now:        bb.Now,
		identities: make(map[net.Conn]string),
	}
	p.publish = p.publishToService
	if p.sink == nil {
		p.sink = telemetry.Discard
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.validator == nil {
		v, err := schema.NewDeviceValidator()
		if err != nil {
			return nil, err
		}
		p.validator = v
	}

	b := &Broker{p: p, address: bb.Address}
	if b.address == "" {
		b.address = ":1883"
	}

	if len(bb.CertFile) > 0 {
		tlsConfig, err := loadTLSConfig(bb.CertFile, bb.KeyFile, bb.CACertFile)
		if err != nil {
			return nil, err
		}
		b.tlsConfig = tlsConfig
	}
	return b, nil
}

func loadTLSConfig(certFile, keyFile, caCertFile string) (*tls.Config, error) {
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load broker certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS12,
	}
	if len(caCertFile) > 0 {
		caCert, err := os.ReadFile(caCertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates in %s", caCertFile)
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// Run runs the broker until ctx is done and then stops it gracefully
func (b *Broker) Run(ctx context.Context) error {
	var ln net.Listener
	var err error
	if b.tlsConfig != nil {
		ln, err = tls.Listen("tcp", b.address, b.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", b.address)
	}
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", b.address, err)
	}

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().WithField("tls", b.tlsConfig != nil).Infoln("mqtt broker listening on", ln.Addr())

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.Stop(stopCtx)
	logger.Default().Infoln("mqtt broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT message with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	if err := b.p.publish(topic, payload); err != nil {
		logger.Default().WithError(err).Errorln("cannot publish on", topic)
	}
}

// SendCommand seals the command with the channel of the device and publishes
// it on the commands topic of the device. The command is marshalled to JSON.
func (b *Broker) SendCommand(ctx context.Context, deviceID string, command interface{}) error {
	body, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("cannot marshal command: %w", err)
	}
	envelope, err := b.p.channels.Seal(deviceID, body)
	if err != nil {
		return err
	}
	topic := iot.CommandsTopic(deviceID)
	if err := b.p.publish(topic, []byte(envelope)); err != nil {
		return err
	}
	logger.FromContext(ctx).WithField("device_id", deviceID).Infoln("command sent")
	return nil
}

// Inject processes a message as if the client had published it. It returns
// false if the message was dropped. Simulations use it to drive the broker
// without a network connection.
func (b *Broker) Inject(ctx context.Context, clientID, topic string, payload []byte) bool {
	return b.p.handleInbound(ctx, clientID, topic, payload)
}

func (p *plugin) publishToService(topic string, payload []byte) error {
	p.serviceMux.RLock()
	service := p.service
	p.serviceMux.RUnlock()
	if service == nil {
		return ErrNotRunning
	}
	service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = nil
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iotgate broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// takeIdentity returns the certificate identity of the connection and forgets it
func (p *plugin) takeIdentity(conn net.Conn) string {
	p.identitiesMux.Lock()
	defer p.identitiesMux.Unlock()
	identity := p.identities[conn]
	delete(p.identities, conn)
	return identity
}

// OnAcceptWrapper remembers the certificate common name of TLS clients
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.Default().WithError(err).Warnln("tls handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 && len(state.VerifiedChains[0]) > 0 {
				commonName := state.VerifiedChains[0][0].Subject.CommonName
				p.identitiesMux.Lock()
				p.identities[conn] = commonName
				p.identitiesMux.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// authorizeConnect checks that the client is a device with a valid token and
// an open channel. certIdentity is the common name of the client certificate,
// if there was one.
func (p *plugin) authorizeConnect(clientID, username, password, certIdentity string) error {
	if clientID == "" {
		return fmt.Errorf("%w: empty client id", errNotAuthorized)
	}
	if certIdentity != "" && certIdentity != clientID {
		return fmt.Errorf("%w: certificate issued for %s", errNotAuthorized, certIdentity)
	}
	if username != "" && username != clientID {
		return fmt.Errorf("%w: username %s does not match client id", errNotAuthorized, username)
	}
	deviceID, err := p.tokens.Verify(password)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotAuthorized, err)
	}
	if deviceID != clientID {
		return fmt.Errorf("%w: token issued for %s", errNotAuthorized, deviceID)
	}
	if !p.channels.Active(clientID) {
		return fmt.Errorf("%w: %v", errNotAuthorized, ErrNoActiveSession)
	}
	return nil
}

// OnConnectWrapper enforces that the MQTT client is an authenticated device
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		clientID := options.ClientID()
		rlog := logger.Default().WithField("device_id", clientID)
		identity := p.takeIdentity(client.Connection())
		if err := p.authorizeConnect(clientID, options.Username(), options.Password(), identity); err != nil {
			rlog.WithError(err).Warnln("connect denied")
			return packets.CodeNotAuthorized
		}
		rlog.Infoln("device connected")
		return connect(ctx, client)
	}
}

// authorizeSubscribe returns true if the client may subscribe to topic
func (p *plugin) authorizeSubscribe(clientID, topic string) bool {
	return topic == iot.CommandsTopic(clientID)
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.authorizeSubscribe(clientID, topic.Name) {
			logger.Default().WithField("device_id", clientID).Warnln("subscribe to", topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().WithField("device_id", client.OptionsReader().ClientID()).Debugln("subscribed to", topic.Name)
		subscribed(ctx, client, topic)
	}
}

// handleInbound processes a message a device published. It returns false if
// the message must be dropped.
func (p *plugin) handleInbound(ctx context.Context, clientID, topic string, payload []byte) bool {
	rlog := logger.Default().WithFields(logrus.Fields{"device_id": clientID, "topic": topic})
	deviceID, kind, ok := iot.ParseTopic(topic)
	if !ok || deviceID != clientID || kind == iot.TopicCommands {
		rlog.Warnln("publish denied")
		return false
	}

	plaintext, err := p.channels.Unseal(clientID, string(payload))
	if err != nil {
		rlog.WithError(err).Warnln("dropping message")
		return false
	}

	switch kind {
	case iot.TopicHeartbeat:
		if err := p.validator.ValidateBytes(plaintext, schema.HeartbeatID); err != nil {
			rlog.WithError(err).Warnln("dropping heartbeat")
			return false
		}
		var hb heartbeatMessage
		if err := json.Unmarshal(plaintext, &hb); err != nil {
			rlog.WithError(err).Warnln("dropping heartbeat")
			return false
		}
		if hb.DeviceID != clientID {
			rlog.Warnln("dropping heartbeat of", hb.DeviceID)
			return false
		}
		recorded := p.monitor.RecordHeartbeat(clientID, iot.ParseDeviceStatus(hb.Status))
		rlog.Debugln("heartbeat", recorded.Status)
		p.forward(ctx, rlog, telemetry.NewRecord(clientID, telemetry.KindHeartbeat, plaintext, recorded.Timestamp))
	case iot.TopicData:
		p.forward(ctx, rlog, telemetry.NewRecord(clientID, telemetry.KindData, plaintext, p.now()))
	}
	return true
}

func (p *plugin) forward(ctx context.Context, rlog *logrus.Entry, r telemetry.Record) {
	if err := p.sink.Write(ctx, r); err != nil {
		rlog.WithError(err).Errorln("cannot forward", r.Kind)
	}
}

// OnMsgArrivedWrapper intercepts messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !p.handleInbound(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}
