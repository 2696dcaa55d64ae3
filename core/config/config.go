// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package config loads the gateway configuration from environment variables

All knobs of the authentication and liveness components are settable from the
environment, none are hard-coded in the components themselves.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Configuration holds the configuration for the gateway service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
// to persist device registrations.
type Configuration struct {
	HTTPAddress    string `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the REST api"`
	MQTTAddress    string `env:"MQTT_ADDRESS,default=:1883" description:"listen address of the MQTT broker"`
	MQTTCertFile   string `env:"MQTT_CERT_FILE" description:"X.509 certificate of the broker, enables TLS"`
	MQTTKeyFile    string `env:"MQTT_KEY_FILE" description:"X.509 private key of the broker"`
	MQTTCACertFile string `env:"MQTT_CA_CERT_FILE" description:"certificate authority for client certificates"`
	LogLevel       string `env:"LOG_LEVEL,default=info" description:"logrus log level"`
	LogFormat      string `env:"LOG_FORMAT,default=text" description:"log format, text or json"`

	Postgres       string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=iotgate" description:"database schema"`

	FilterCapacity          int     `env:"FILTER_CAPACITY,default=1000000" description:"capacity of the credential filter"`
	FilterFalsePositiveRate float64 `env:"FILTER_FALSE_POSITIVE_RATE,default=0.01" description:"target false positive rate of the credential filter"`

	OTKLifetime        time.Duration `env:"OTK_LIFETIME,default=15m" description:"lifetime of a one-time key"`
	SessionTTL         time.Duration `env:"SESSION_TTL,default=5m" description:"inactivity timeout of an authentication session"`
	SessionMaxAttempts int           `env:"SESSION_MAX_ATTEMPTS,default=3" description:"failed factor checks before a session fails"`

	LivenessTimeout       time.Duration `env:"LIVENESS_TIMEOUT,default=30s" description:"silence after which a device is offline"`
	LivenessSweepInterval time.Duration `env:"LIVENESS_SWEEP_INTERVAL,default=0s" description:"sweep period, 0 derives min(timeout/2, 10s)"`

	TokenSecret   string        `env:"TOKEN_SECRET" description:"HMAC secret for device tokens, empty generates one which is kept in POSTGRES if configured"`
	TokenLifetime time.Duration `env:"TOKEN_LIFETIME,default=24h" description:"lifetime of a device token"`

	KafkaBrokers        string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers"`
	KafkaTelemetryTopic string `env:"KAFKA_TELEMETRY_TOPIC,default=device-telemetry" description:"topic for decrypted telemetry"`
	KafkaEventsTopic    string `env:"KAFKA_EVENTS_TOPIC,default=device-events" description:"topic for liveness events"`

	AWSRegion    string `env:"AWS_REGION,default=eu-central-1" description:"AWS region for S3 and SQS"`
	AWSAccessID  string `env:"AWS_ACCESS_ID" description:"static AWS access key id, empty uses the default credential chain"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY" description:"static AWS secret access key"`
	S3Bucket     string `env:"S3_BUCKET" description:"bucket for the telemetry archive"`
	S3KeyPrefix  string `env:"S3_KEY_PREFIX,default=telemetry/" description:"key prefix in the telemetry bucket"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL" description:"queue for liveness alerts"`
}

// Load decodes the configuration from the environment and validates it.
func Load() (Configuration, error) {
	var c Configuration
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Configuration{}, fmt.Errorf("cannot decode configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

// Validate checks that the configuration is coherent.
func (c Configuration) Validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("invalid HTTP_ADDRESS: must not be empty")
	}
	if c.MQTTAddress == "" {
		return fmt.Errorf("invalid MQTT_ADDRESS: must not be empty")
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT: must be text or json")
	}
	if (c.MQTTCertFile == "") != (c.MQTTKeyFile == "") {
		return fmt.Errorf("invalid MQTT_CERT_FILE/MQTT_KEY_FILE: both or none must be set")
	}
	if c.FilterCapacity <= 0 {
		return fmt.Errorf("invalid FILTER_CAPACITY: must be > 0")
	}
	if c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		return fmt.Errorf("invalid FILTER_FALSE_POSITIVE_RATE: must be in (0,1)")
	}
	if c.OTKLifetime <= 0 {
		return fmt.Errorf("invalid OTK_LIFETIME: must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("invalid SESSION_TTL: must be > 0")
	}
	if c.SessionMaxAttempts <= 0 {
		return fmt.Errorf("invalid SESSION_MAX_ATTEMPTS: must be > 0")
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("invalid LIVENESS_TIMEOUT: must be > 0")
	}
	if c.LivenessSweepInterval < 0 {
		return fmt.Errorf("invalid LIVENESS_SWEEP_INTERVAL: must be >= 0")
	}
	if c.TokenLifetime <= 0 {
		return fmt.Errorf("invalid TOKEN_LIFETIME: must be > 0")
	}
	if (c.AWSAccessID == "") != (c.AWSAccessKey == "") {
		return fmt.Errorf("invalid AWS_ACCESS_ID/AWS_ACCESS_KEY: both or none must be set")
	}
	if c.KafkaBrokers != "" && (c.KafkaTelemetryTopic == "" || c.KafkaEventsTopic == "") {
		return fmt.Errorf("invalid KAFKA_*_TOPIC: required when KAFKA_BROKERS is set")
	}
	return nil
}

// SweepInterval returns the liveness sweep interval. Without an explicit
// setting the monitor checks twice per timeout, but at least every 10 seconds.
func (c Configuration) SweepInterval() time.Duration {
	if c.LivenessSweepInterval > 0 {
		return c.LivenessSweepInterval
	}
	interval := c.LivenessTimeout / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	return interval
}

// Brokers returns the kafka brokers as list
func (c Configuration) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
