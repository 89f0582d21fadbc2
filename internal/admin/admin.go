/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package admin implements the remote command surface: hard-reset,
// display-heartbeats, test-connection, and get-feedback, authorised by
// a shared secret and dispatched by id token.
package admin // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/admin"

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
)

// Handler dispatches admin commands. Unauthorised attempts are logged
// and rejected without side effect.
type Handler struct {
	secret          string
	connectionTopic string
	reg             *registry.Registry
	hb              *heartbeat.Monitor
	log             *logrus.Logger
}

// New builds an admin Handler.
func New(secret, connectionTopic string, reg *registry.Registry, hb *heartbeat.Monitor, log *logrus.Logger) *Handler {
	return &Handler{secret: secret, connectionTopic: connectionTopic, reg: reg, hb: hb, log: log}
}

// secretOf extracts the shared-secret field from meta.secret.
func secretOf(raw *message.Raw) string {
	if raw == nil || raw.Meta == nil {
		return ``
	}
	if v, ok := raw.Meta[`secret`]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ``
}

// Handle dispatches one admin command, returning the reply payload
// (nil if none) and the topic it must be published to.
func (h *Handler) Handle(cmd *message.AdminCommand, c *cache.Cache) ([]byte, string) {
	switch cmd.Kind {
	case message.KindTestConnection:
		return h.handleTestConnection(cmd)

	case message.KindHardReset:
		if !h.authorised(cmd) {
			h.reject(cmd, `hard-reset`)
			return nil, ``
		}
		c.Reset()
		h.log.Info(`admin: cache hard-reset`)
		return nil, ``

	case message.KindDisplayHeartbeats:
		if !h.authorised(cmd) {
			h.reject(cmd, `display-heartbeats`)
			return nil, ``
		}
		if h.hb == nil {
			return nil, ``
		}
		live := h.hb.LiveDetectors()
		payload, err := json.Marshal(map[string]interface{}{
			`id`:             cmd.Raw.ID,
			`live_detectors`: live,
		})
		if err != nil {
			h.log.WithError(err).Error(`admin: display-heartbeats encode failed`)
			return nil, ``
		}
		return payload, h.connectionTopic

	case message.KindGetFeedback:
		if !h.authorised(cmd) {
			h.reject(cmd, `get-feedback`)
			return nil, ``
		}
		recipients, known := h.reg.Recipients(cmd.Detector)
		if !known {
			h.log.WithField(`detector`, cmd.Detector).Warn(`admin: get-feedback for unregistered detector rejected`)
			return nil, ``
		}
		payload, err := json.Marshal(map[string]interface{}{
			`id`:         cmd.Raw.ID,
			`detector`:   cmd.Detector,
			`recipients`: recipients,
		})
		if err != nil {
			h.log.WithError(err).Error(`admin: get-feedback encode failed`)
			return nil, ``
		}
		return payload, h.connectionTopic
	}
	return nil, ``
}

func (h *Handler) authorised(cmd *message.AdminCommand) bool {
	if h.secret == `` {
		return false
	}
	return secretOf(cmd.Raw) == h.secret
}

func (h *Handler) reject(cmd *message.AdminCommand, what string) {
	if h.log != nil {
		h.log.WithField(`command`, what).Error(`admin: unauthorised command rejected`)
	}
}

// handleTestConnection re-emits the same payload with meta.status =
// "received", unauthenticated: any client may probe connectivity.
func (h *Handler) handleTestConnection(cmd *message.AdminCommand) ([]byte, string) {
	raw := *cmd.Raw
	meta := make(map[string]interface{}, len(raw.Meta)+1)
	for k, v := range raw.Meta {
		meta[k] = v
	}
	meta[`status`] = `received`
	raw.Meta = meta

	payload, err := json.Marshal(raw)
	if err != nil {
		h.log.WithError(err).Error(`admin: test-connection encode failed`)
		return nil, ``
	}
	return payload, h.connectionTopic
}
