/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package config loads the coincidence engine's single configuration
// record once at startup. No component reads the environment after
// construction; everything is passed explicitly from here.
package config // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/config"

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	flags "github.com/jessevdk/go-flags"
)

// Config is the single configuration record the engine is constructed
// from. Every field is populated once, at startup, by Load.
type Config struct {
	// Coincidence engine tuning
	CoincidenceThreshold int `long:"coincidence-threshold" env:"COINCIDENCE_THRESHOLD" default:"10" description:"coincidence window W, in seconds"`
	MsgExpiration        int `long:"msg-expiration" env:"MSG_EXPIRATION" default:"86400" description:"cache entry expiration, in seconds"`
	HBDeleteAfter        int `long:"hb-delete-after" env:"HB_DELETE_AFTER" default:"7" description:"heartbeat retention window, in days"`

	// Transport topics
	ObservationTopic         string `long:"observation-topic" env:"OBSERVATION_TOPIC" description:"inbound observation/heartbeat topic"`
	FiredrillObservationTopic string `long:"firedrill-observation-topic" env:"FIREDRILL_OBSERVATION_TOPIC" description:"firedrill inbound topic"`
	AlertTopic               string `long:"alert-topic" env:"ALERT_TOPIC" description:"outbound alert topic"`
	FiredrillAlertTopic      string `long:"firedrill-alert-topic" env:"FIREDRILL_ALERT_TOPIC" description:"firedrill outbound topic"`
	ConnectionTestTopic      string `long:"connection-test-topic" env:"CONNECTION_TEST_TOPIC" description:"connection-test echo topic"`

	// Transport connectivity
	Zookeeper     string `long:"zookeeper" env:"ZOOKEEPER_CONNECT" description:"zookeeper connect string, chroot included"`
	KafkaBrokers  string `long:"kafka-brokers" env:"KAFKA_BROKERS" description:"comma separated bootstrap brokers"`
	ConsumerGroup string `long:"consumer-group" env:"CONSUMER_GROUP" default:"snews-coincidence-system" description:"kafka consumer group name"`

	// Redis-backed snapshot / leader-flag store
	RedisConnect  string `long:"redis-connect" env:"REDIS_CONNECT" default:"localhost:6379" description:"redis host:port"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"redis password"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"redis logical database"`

	// False-alarm calculation
	ImitationPerWeek float64 `long:"imitation-per-week" env:"IMITATION_PER_WEEK" default:"1" description:"single-detector imitation rate, per week"`

	// Downstream notification bridge
	BridgeWebhookURI string `long:"bridge-webhook-uri" env:"BRIDGE_WEBHOOK_URI" description:"optional webhook for alert/silence notices; empty disables the bridge"`
	BridgeRetryCount int    `long:"bridge-retry-count" env:"BRIDGE_RETRY_COUNT" default:"3" description:"webhook retry count"`

	// Admin surface
	AdminSecret string `long:"admin-secret" env:"ADMIN_SHARED_SECRET" description:"shared secret authorising admin commands"`
	ServerTag   string `long:"server-tag" env:"SERVER_TAG" default:"snews-cs" description:"server identifier stamped on outgoing alerts"`

	// SQL archive
	ArchivePath string `long:"archive-path" env:"ARCHIVE_PATH" default:"snews-cs.sqlite" description:"path to the sqlite archive database"`

	// Retry/backoff
	RetryMax int `long:"retry-max" env:"RETRY_MAX" default:"20" description:"max consecutive retryable transport faults before fatal"`

	// Ambient
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus level"`
	TestMode bool   `long:"test-mode" env:"TEST_MODE" description:"accepted but not consulted: alerts are tagged TEST from each observation's meta.is_test and sends are never skipped"`

	// Leader/follower replication boundary (external election; this
	// engine only consults it, never computes it).
	Leader bool `long:"leader" env:"IS_LEADER" description:"whether this instance publishes alerts"`
}

// Load reads an optional .env file (no error if absent) and then
// parses the process environment into a Config.
func Load(envFile string) (*Config, error) {
	if envFile != `` {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs([]string{}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Window returns the coincidence window as a time.Duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.CoincidenceThreshold) * time.Second
}

// Expiration returns the cache entry expiration as a time.Duration.
func (c *Config) Expiration() time.Duration {
	return time.Duration(c.MsgExpiration) * time.Second
}

// HeartbeatWindow returns the heartbeat retention window as a
// time.Duration.
func (c *Config) HeartbeatWindow() time.Duration {
	return time.Duration(c.HBDeleteAfter) * 24 * time.Hour
}
