/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package admin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/logging"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
)

func newTestHandler() (*Handler, *cache.Cache) {
	log := logging.New(`error`)
	reg := registry.Default()
	reg.SetRecipients(`XENONnT`, []string{`ops@example.org`})
	hb := heartbeat.New(7*24*time.Hour, log)
	c := cache.New(10*time.Second, 24*time.Hour, log)
	return New(`s3cret`, `connection-test`, reg, hb, log), c
}

func cmd(kind message.Kind, detector, secret string) *message.AdminCommand {
	raw := &message.Raw{
		ID:           `1_` + string(kind) + `_x`,
		DetectorName: detector,
	}
	if secret != `` {
		raw.Meta = map[string]interface{}{`secret`: secret}
	}
	return &message.AdminCommand{Kind: kind, Detector: detector, Raw: raw}
}

func TestHardResetRequiresSecret(t *testing.T) {
	h, c := newTestHandler()
	_, err := c.Add(message.Observation{
		ID: `1_CoincidenceTier_a`, Detector: `XENONnT`,
		NeutrinoTime: time.Now().UTC(), SentTime: time.Now().UTC(), IsTest: true,
	})
	require.NoError(t, err)

	h.Handle(cmd(message.KindHardReset, ``, `wrong`), c)
	require.Equal(t, 1, c.Size(), `unauthorised hard-reset must have no side effect`)

	h.Handle(cmd(message.KindHardReset, ``, `s3cret`), c)
	require.Equal(t, 0, c.Size())
}

func TestTestConnectionEchoesUnauthenticated(t *testing.T) {
	h, c := newTestHandler()
	reply, topic := h.Handle(cmd(message.KindTestConnection, ``, ``), c)
	require.NotNil(t, reply)
	require.Equal(t, `connection-test`, topic)

	decoded := message.Raw{}
	require.NoError(t, json.Unmarshal(reply, &decoded))
	require.Equal(t, `received`, decoded.Meta[`status`])
}

func TestGetFeedbackChecksRegistry(t *testing.T) {
	h, c := newTestHandler()

	reply, _ := h.Handle(cmd(message.KindGetFeedback, `NotADetector`, `s3cret`), c)
	require.Nil(t, reply, `unregistered detector must be rejected`)

	reply, topic := h.Handle(cmd(message.KindGetFeedback, `XENONnT`, `s3cret`), c)
	require.NotNil(t, reply)
	require.Equal(t, `connection-test`, topic)
	decoded := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(reply, &decoded))
	require.Equal(t, []interface{}{`ops@example.org`}, decoded[`recipients`])
}

func TestEmptyConfiguredSecretRejectsHardReset(t *testing.T) {
	log := logging.New(`error`)
	h := New(``, `connection-test`, registry.Default(), nil, log)
	c := cache.New(10*time.Second, 24*time.Hour, log)
	_, err := c.Add(message.Observation{
		ID: `1_CoincidenceTier_a`, Detector: `XENONnT`,
		NeutrinoTime: time.Now().UTC(), SentTime: time.Now().UTC(), IsTest: true,
	})
	require.NoError(t, err)

	h.Handle(cmd(message.KindHardReset, ``, ``), c)
	require.Equal(t, 1, c.Size())
}
