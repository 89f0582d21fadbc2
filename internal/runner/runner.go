/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package runner implements the Stream Runner: the single cooperative
// loop that subscribes, reads, classifies, dispatches, retries on
// recoverable transport errors with bounded exponential backoff, and
// exits on fatal faults.
package runner // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/runner"

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/admin"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/archive"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/bridge"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/errs"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/telemetry"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/validate"
)

// ConsumerGroup is the subset of wvanbergen/kafka/consumergroup's
// ConsumerGroup this runner drives; narrowed to an interface so tests
// can fake the transport without a live Zookeeper/Kafka cluster.
type ConsumerGroup interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan error
	CommitUpto(*sarama.ConsumerMessage) error
	Close() error
}

// Publisher sends a payload to a named topic. The production
// implementation wraps a sarama.SyncProducer.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config tunes the runner's retry/backoff behaviour and topic names.
type Config struct {
	ObservationTopic    string
	AlertTopic          string
	ConnectionTestTopic string
	RetryMax            int
	ServerTag           string
	Leader              func() bool
}

// Runner owns the single serialized cache/decider task plus the
// transport read loop. It records inbound heartbeats into the
// heartbeat monitor and reads liveness through its LiveCount method;
// the monitor's silence scan runs on the caller's maintenance loop.
type Runner struct {
	cfg       Config
	log       *logrus.Logger
	validator *validate.Validator
	cache     *cache.Cache
	decider   *decider.Decider
	heartbeat *heartbeat.Monitor
	archive   *archive.Store // nil disables archival
	admin     *admin.Handler
	publisher Publisher
	metrics   *telemetry.Metrics // nil disables counters
	bridge    *bridge.Bridge     // nil disables downstream notices

	retryCounter int
}

// WithMetrics attaches the telemetry registry.
func (r *Runner) WithMetrics(m *telemetry.Metrics) *Runner {
	r.metrics = m
	return r
}

// WithBridge attaches the downstream notification bridge.
func (r *Runner) WithBridge(b *bridge.Bridge) *Runner {
	r.bridge = b
	return r
}

// New builds a Runner from its collaborators.
func New(cfg Config, log *logrus.Logger, v *validate.Validator, c *cache.Cache,
	d *decider.Decider, hb *heartbeat.Monitor, ar *archive.Store, ad *admin.Handler,
	pub Publisher) *Runner {
	return &Runner{
		cfg: cfg, log: log, validator: v, cache: c, decider: d,
		heartbeat: hb, archive: ar, admin: ad, publisher: pub,
	}
}

// Run drives the loop until ctx is cancelled or a fatal transport
// fault occurs. It returns nil on a clean shutdown.
func (r *Runner) Run(ctx context.Context, consumer ConsumerGroup) error {
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-consumer.Errors():
			if !ok {
				return nil
			}
			if err == nil {
				continue
			}
			kind := classifyTransportFault(err)
			if kind == errs.TransportFatal {
				r.log.WithError(err).Error(`fatal transport fault, terminating`)
				return errs.Wrap(errs.TransportFatal, `transport`, err)
			}
			r.retryCounter++
			r.log.WithError(err).WithField(`retry`, r.retryCounter).Warn(`retryable transport fault`)
			if r.retryCounter > r.cfg.RetryMax {
				return errs.New(errs.TransportFatal, `exceeded max consecutive retryable transport faults`)
			}
			backoff(r.retryCounter)

		case msg, ok := <-consumer.Messages():
			if !ok {
				return nil
			}
			if r.retryCounter > 0 {
				r.retryCounter--
			}
			r.handle(msg)
			if err := consumer.CommitUpto(msg); err != nil {
				r.log.WithError(err).Error(`commit failed`)
			}
		}
	}
}

// backoff sleeps 1.5^counter seconds, jittered.
func backoff(counter int) {
	base := math.Pow(1.5, float64(counter))
	jittered := base * (1 + rand.Float64()) / 2
	time.Sleep(time.Duration(jittered * float64(time.Second)))
}

// classifyTransportFault maps a sarama/consumergroup error to the
// engine's retryable/fatal distinction. Unknown errors are treated as
// retryable; only a closed client or consumer group is unrecoverable.
func classifyTransportFault(err error) errs.Kind {
	if errors.Is(err, sarama.ErrClosedClient) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
		return errs.TransportFatal
	}
	return errs.TransportRetryable
}

// handle classifies and dispatches a single transport message. It
// never returns an error: a well-formed observation either appears
// in a subsequent alert or is dropped with a logged reason.
func (r *Runner) handle(msg *sarama.ConsumerMessage) {
	result := r.validator.Classify(msg.Value)

	switch {
	case result.Reject != nil:
		r.log.WithError(result.Reject).WithField(`topic`, msg.Topic).Warn(`rejected inbound payload`)
		if r.metrics != nil {
			r.metrics.MarkRejected(result.Reject.Kind.String())
		}

	case result.AdminCommand != nil:
		r.dispatchAdmin(result.AdminCommand)

	case result.Heartbeat != nil:
		r.admitHeartbeat(result.Heartbeat)

	case result.Retraction != nil:
		if r.metrics != nil {
			r.metrics.MarkRetraction()
		}
		r.admitRetraction(result.Retraction)

	case result.Observation != nil:
		if r.metrics != nil {
			r.metrics.MarkProcessed()
		}
		r.admitObservation(result.Observation)
	}
}

func (r *Runner) admitHeartbeat(hb *message.Heartbeat) {
	received := time.Now().UTC()
	if err := r.heartbeat.Record(hb.Detector, hb.SentTime, hb.Status); err != nil {
		r.log.WithError(err).Warn(`heartbeat record failed`)
		return
	}
	if r.metrics != nil {
		r.metrics.MarkHeartbeat()
	}
	if r.archive != nil {
		latency := received.Sub(hb.SentTime)
		if err := r.archive.ArchiveHeartbeat(hb.Detector, received, hb.SentTime, latency, hb.Status); err != nil {
			r.log.WithError(err).Info(`archive write failed`)
		}
	}
}

func (r *Runner) dispatchAdmin(cmd *message.AdminCommand) {
	if r.admin == nil {
		return
	}
	reply, topic := r.admin.Handle(cmd, r.cache)
	if reply == nil {
		return
	}
	if err := r.publisher.Publish(topic, reply); err != nil {
		r.log.WithError(err).WithField(`topic`, topic).Info(`admin reply publish failed`)
	}
}

func (r *Runner) admitRetraction(ret *message.Retraction) {
	touched, err := r.cache.Retract(ret.Detector)
	if err != nil {
		r.log.WithError(err).WithField(`detector`, ret.Detector).Error(`retraction rolled back`)
		return
	}
	if len(touched) == 0 {
		return
	}
	r.decideAndPublish(false)
}

func (r *Runner) admitObservation(obs *message.Observation) {
	touched, err := r.cache.Add(*obs)
	if err != nil {
		r.log.WithError(err).WithField(`detector`, obs.Detector).Error(`admission rolled back`)
		return
	}
	if len(touched) == 0 {
		return
	}
	if r.archive != nil {
		if err := r.archive.ArchiveObservation(*obs); err != nil {
			r.log.WithError(err).Info(`archive write failed`)
		}
	}
	r.decideAndPublish(obs.IsTest)
}

func (r *Runner) decideAndPublish(isTest bool) {
	alerts := r.decider.Run(r.cache, r.heartbeat, isTest)
	for _, a := range alerts {
		if r.archive != nil {
			if err := r.archive.ArchiveAlert(a); err != nil {
				r.log.WithError(err).Info(`archive write failed`)
			}
		}
		if r.cfg.Leader != nil && !r.cfg.Leader() {
			// follower: build identical state, suppress sends
			continue
		}
		payload, err := encodeAlert(a, r.cfg.ServerTag)
		if err != nil {
			r.log.WithError(err).Error(`alert encode failed`)
			continue
		}
		if err := r.publisher.Publish(r.cfg.AlertTopic, payload); err != nil {
			r.log.WithError(err).Info(`alert publish failed`)
			continue
		}
		if r.metrics != nil {
			r.metrics.MarkAlert(string(a.AlertType))
		}
		if r.bridge != nil {
			r.bridge.NotifyAlert(a)
		}
	}
}
