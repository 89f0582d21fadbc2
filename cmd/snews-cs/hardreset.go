/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/config"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/logging"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/runner"
)

func hardResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   `hard-reset`,
		Short: `Publish a hard-reset command to the observation topic`,
		Long: `hard-reset publishes an authorised admin command that instructs
the running engine to discard all cached sub-groups. The shared
secret is taken from ADMIN_SHARED_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hardReset()
		},
	}
}

func hardReset() error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	if cfg.AdminSecret == `` {
		return fmt.Errorf(`ADMIN_SHARED_SECRET is not set`)
	}

	publisher, err := runner.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, `,`))
	if err != nil {
		return err
	}
	defer publisher.Close()

	raw := message.Raw{
		ID:          fmt.Sprintf(`0_hard-reset_%d`, time.Now().Unix()),
		SentTimeUTC: message.FormatTime(time.Now().UTC()),
		Meta:        map[string]interface{}{`secret`: cfg.AdminSecret},
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := publisher.Publish(cfg.ObservationTopic, payload); err != nil {
		return err
	}
	log.WithField(`topic`, cfg.ObservationTopic).Info(`hard-reset published`)
	return nil
}
