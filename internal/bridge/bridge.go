/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package bridge forwards published alerts and heartbeat-silence
// notices to a downstream human channel over an HTTP webhook. Sends
// are asynchronous and tracked, so shutdown can drain in-flight
// notifications without ever blocking the engine's serialized
// admission loop. A failed send is logged and dropped: the alert has
// already reached the bus.
package bridge // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/bridge"

import (
	"time"

	"github.com/mjolnir42/delay"
	"github.com/sirupsen/logrus"
	resty "gopkg.in/resty.v1"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
)

// Config names the webhook endpoint and its retry behaviour.
type Config struct {
	WebhookURI       string
	RetryCount       int
	RetryMinWaitTime time.Duration
	RetryMaxWaitTime time.Duration
}

// Bridge is the outbound notification client.
type Bridge struct {
	cfg    Config
	client *resty.Client
	delay  *delay.Delay
	log    *logrus.Logger
}

// notice is the shape of one alert or silence notification; each
// webhook POST body is a JSON array holding a single notice.
type notice struct {
	Kind      string   `json:"kind"`
	Detectors []string `json:"detectors,omitempty"`
	AlertType string   `json:"alert_type,omitempty"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
}

// New builds a Bridge. A nil return means no webhook is configured
// and callers skip notification entirely.
func New(cfg Config, log *logrus.Logger) *Bridge {
	if cfg.WebhookURI == `` {
		return nil
	}
	client := resty.New().
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryMinWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWaitTime).
		SetHeader(`Content-Type`, `application/json`).
		SetDisableWarn(true)

	return &Bridge{
		cfg:    cfg,
		client: client,
		delay:  delay.New(),
		log:    log,
	}
}

// NotifyAlert dispatches one alert notice asynchronously.
func (b *Bridge) NotifyAlert(a decider.Alert) {
	names := make([]string, 0, len(a.Members))
	for _, m := range a.Members {
		names = append(names, m.Detector)
	}
	n := notice{
		Kind:      `alert`,
		Detectors: names,
		AlertType: string(a.AlertType),
		Message:   `coincidence alert published`,
		Timestamp: message.FormatTime(time.Now().UTC()),
	}
	b.send(n)
}

// NotifySilence dispatches one heartbeat-silence notice
// asynchronously.
func (b *Bridge) NotifySilence(detector string) {
	n := notice{
		Kind:      `silence`,
		Detectors: []string{detector},
		Message:   `heartbeat interval exceeds recent mean+3sigma`,
		Timestamp: message.FormatTime(time.Now().UTC()),
	}
	b.send(n)
}

func (b *Bridge) send(n notice) {
	b.delay.Use()
	go func() {
		defer b.delay.Done()
		resp, err := b.client.R().SetBody([]notice{n}).Post(b.cfg.WebhookURI)
		if err != nil {
			b.log.WithError(err).WithField(`kind`, n.Kind).Info(`bridge send failed`)
			return
		}
		if resp.StatusCode() >= 300 {
			b.log.WithFields(logrus.Fields{
				`kind`:   n.Kind,
				`status`: resp.StatusCode(),
				`body`:   resp.String(),
			}).Info(`bridge send rejected`)
		}
	}()
}

// Drain blocks until every in-flight send has completed.
func (b *Bridge) Drain() {
	b.delay.Wait()
}
