// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The gateway service authenticates devices, carries their encrypted MQTT
// traffic and tracks their liveness. It is configured from the environment,
// see core/config.
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
// to persist device registrations and the generated token secret.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/multierr"

	"github.com/relabs-tech/iotgate/core/config"
	"github.com/relabs-tech/iotgate/core/csql"
	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/core/registry"
	"github.com/relabs-tech/iotgate/core/schema"
	"github.com/relabs-tech/iotgate/iot/api"
	"github.com/relabs-tech/iotgate/iot/authentication"
	"github.com/relabs-tech/iotgate/iot/channel"
	"github.com/relabs-tech/iotgate/iot/credentials"
	"github.com/relabs-tech/iotgate/iot/liveness"
	"github.com/relabs-tech/iotgate/iot/mqtt"
	"github.com/relabs-tech/iotgate/iot/otk"
	"github.com/relabs-tech/iotgate/iot/telemetry"
)

// gateway holds the components of the service
type gateway struct {
	config   config.Configuration
	db       *csql.DB
	registry *credentials.Registry
	keys     *otk.Manager
	engine   *authentication.Engine
	tokens   *authentication.TokenIssuer
	channels *channel.Registry
	monitor  *liveness.Monitor
	sink     telemetry.Fanout
	broker   *mqtt.Broker
	router   *mux.Router
}

func newGateway(ctx context.Context, c config.Configuration) (*gateway, error) {
	g := &gateway{config: c, channels: channel.NewRegistry(), router: mux.NewRouter()}
	if err := g.build(ctx); err != nil {
		g.close()
		return nil, err
	}
	return g, nil
}

func (g *gateway) build(ctx context.Context) (err error) {
	c := g.config

	var store credentials.Store
	if len(c.Postgres) > 0 {
		if g.db, err = csql.OpenWithSchema(c.Postgres, c.PostgresSchema); err != nil {
			return err
		}
		if store, err = credentials.NewPostgresStore(g.db); err != nil {
			return err
		}
	} else {
		logger.Default().Warnln("no POSTGRES configured, registrations are kept in memory only")
	}

	g.registry, err = credentials.New(credentials.Builder{
		Capacity:          c.FilterCapacity,
		FalsePositiveRate: c.FilterFalsePositiveRate,
		Store:             store,
	})
	if err != nil {
		return err
	}
	if store != nil {
		restored, err := g.registry.Restore(ctx)
		if err != nil {
			return err
		}
		logger.Default().Infof("restored %d device registrations", restored)
	}

	g.keys = otk.New(otk.Builder{Lifetime: c.OTKLifetime})
	g.engine = authentication.New(authentication.Builder{
		Credentials: g.registry,
		Keys:        g.keys,
		TTL:         c.SessionTTL,
		MaxAttempts: c.SessionMaxAttempts,
	})
	secret, err := tokenSecret(ctx, c, g.db)
	if err != nil {
		return err
	}
	if g.tokens, err = authentication.NewTokenIssuer(secret, c.TokenLifetime); err != nil {
		return err
	}

	if g.sink, err = newSink(ctx, c); err != nil {
		return err
	}
	g.monitor = liveness.New(liveness.Builder{
		Timeout:       c.LivenessTimeout,
		SweepInterval: c.SweepInterval(),
		Registry:      g.registry,
	})
	g.monitor.Subscribe(telemetry.EventHandler(ctx, g.sink))

	validator, err := schema.NewDeviceValidator()
	if err != nil {
		return err
	}
	g.broker, err = mqtt.NewBroker(&mqtt.Builder{
		Address:    c.MQTTAddress,
		CertFile:   c.MQTTCertFile,
		KeyFile:    c.MQTTKeyFile,
		CACertFile: c.MQTTCACertFile,
		Channels:   g.channels,
		Tokens:     g.tokens,
		Monitor:    g.monitor,
		Sink:       g.sink,
		Validator:  validator,
	})
	if err != nil {
		return err
	}

	logger.AddRequestID(g.router)
	authentication.NewService(&authentication.ServiceBuilder{
		Engine:    g.engine,
		Registrar: g.registry,
		Tokens:    g.tokens,
		Validator: validator,
		Listener:  g.channels,
	}).HandleRoutes(g.router)
	status, err := api.NewService(&api.Builder{
		Devices:   g.registry,
		Liveness:  g.monitor,
		Commands:  g.broker,
		Validator: validator,
	})
	if err != nil {
		return err
	}
	status.HandleRoutes(g.router)
	return nil
}

// tokenSecret returns the configured token secret. Without one, a secret is
// generated once and kept in the database registry, so device tokens survive a
// restart. Without a database the token issuer falls back to an ephemeral secret.
func tokenSecret(ctx context.Context, c config.Configuration, db *csql.DB) ([]byte, error) {
	if len(c.TokenSecret) > 0 {
		return []byte(c.TokenSecret), nil
	}
	if db == nil {
		return nil, nil
	}
	reg, err := registry.New(ctx, db)
	if err != nil {
		return nil, err
	}
	accessor := reg.Accessor("gateway")
	var secret string
	writtenAt, err := accessor.Read(ctx, "token_secret", &secret)
	if err != nil {
		return nil, err
	}
	if !writtenAt.IsZero() && len(secret) > 0 {
		return []byte(secret), nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret = hex.EncodeToString(raw)
	if err := accessor.Write(ctx, "token_secret", secret); err != nil {
		return nil, err
	}
	logger.Default().Infoln("generated token secret stored in the registry")
	return []byte(secret), nil
}

// newSink composes the telemetry sinks from the configuration. Data and
// heartbeats go to the telemetry topic, liveness events to the events topic.
// The S3 archive keeps data, the SQS queue receives liveness events.
func newSink(ctx context.Context, c config.Configuration) (telemetry.Fanout, error) {
	var sinks telemetry.Fanout
	if brokers := c.Brokers(); len(brokers) > 0 {
		logger.Default().Infoln("kafka sinks enabled on", c.KafkaBrokers)
		sinks = append(sinks,
			telemetry.OnlyKinds(telemetry.NewKafkaSink(brokers, c.KafkaTelemetryTopic), telemetry.KindData, telemetry.KindHeartbeat),
			telemetry.OnlyKinds(telemetry.NewKafkaSink(brokers, c.KafkaEventsTopic), telemetry.KindStatus),
		)
	}
	if len(c.S3Bucket) == 0 && len(c.SQSQueueURL) == 0 {
		return sinks, nil
	}

	awsConfig, err := telemetry.LoadAWSConfig(ctx, telemetry.AWSConfiguration{
		Region:    c.AWSRegion,
		AccessID:  c.AWSAccessID,
		AccessKey: c.AWSAccessKey,
	})
	if err != nil {
		return nil, err
	}
	if len(c.S3Bucket) > 0 {
		s3Sink, err := telemetry.NewS3Sink(awsConfig, c.S3Bucket, c.S3KeyPrefix)
		if err != nil {
			return nil, err
		}
		logger.Default().Infoln("s3 telemetry archive enabled in", c.S3Bucket)
		sinks = append(sinks, telemetry.OnlyKinds(s3Sink, telemetry.KindData))
	}
	if len(c.SQSQueueURL) > 0 {
		sqsSink, err := telemetry.NewSQSSink(awsConfig, c.SQSQueueURL)
		if err != nil {
			return nil, err
		}
		logger.Default().Infoln("sqs liveness alerts enabled")
		sinks = append(sinks, telemetry.OnlyKinds(sqsSink, telemetry.KindStatus))
	}
	return sinks, nil
}

// handler returns the REST router wrapped in recovery and compression
func (g *gateway) handler() http.Handler {
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(handlers.CompressHandler(g.router))
}

// run serves REST and MQTT and sweeps sessions, keys and liveness until ctx
// is done. It then shuts down gracefully.
func (g *gateway) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.engine.Run(ctx, g.config.SessionTTL/2)
	go g.keys.Run(ctx, g.config.OTKLifetime/2)
	go g.monitor.Run(ctx)

	brokerDone := make(chan error, 1)
	go func() {
		brokerDone <- g.broker.Run(ctx)
	}()

	server := &http.Server{
		Addr:              g.config.HTTPAddress,
		Handler:           g.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		logger.Default().Infoln("listen on", g.config.HTTPAddress)
		serverDone <- server.ListenAndServe()
	}()

	var err error
	brokerStopped := false
	select {
	case <-ctx.Done():
	case err = <-serverDone:
	case err = <-brokerDone:
		brokerStopped = true
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	err = multierr.Append(err, server.Shutdown(shutdownCtx))
	if !brokerStopped {
		select {
		case brokerErr := <-brokerDone:
			err = multierr.Append(err, brokerErr)
		case <-shutdownCtx.Done():
			err = multierr.Append(err, errors.New("mqtt broker did not stop in time"))
		}
	}
	return err
}

// close releases sinks and database
func (g *gateway) close() error {
	var err error
	if g.sink != nil {
		err = multierr.Append(err, g.sink.Close())
	}
	if g.db != nil {
		err = multierr.Append(err, g.db.Close())
	}
	return err
}

func main() {
	c, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatalln("invalid configuration")
	}
	logger.InitLogger(logger.ParseLevel(c.LogLevel), c.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := newGateway(ctx, c)
	if err != nil {
		logger.Default().WithError(err).Fatalln("cannot start gateway")
	}
	defer g.close()

	if err := g.run(ctx); err != nil {
		logger.Default().WithError(err).Errorln("gateway stopped with error")
		return
	}
	logger.Default().Infoln("gateway stopped")
}
