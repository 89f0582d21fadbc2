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
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/config"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/logging"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/message"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/runner"
)

func simulateCmd() *cobra.Command {
	var interval time.Duration
	var burstProb float64

	cmd := &cobra.Command{
		Use:   `simulate`,
		Short: `Publish synthetic observations and heartbeats to the observation topic`,
		Long: `simulate drives the engine without a live detector network: it
publishes heartbeats for random registered detectors at a fixed
cadence and, with the given probability per tick, injects a burst of
near-coincident observations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(interval, burstProb)
		},
	}
	cmd.Flags().DurationVar(&interval, `interval`, 5*time.Second, `tick between synthetic messages`)
	cmd.Flags().Float64Var(&burstProb, `burst-prob`, 0.1, `probability per tick of a coincidence burst`)
	return cmd
}

func simulate(interval time.Duration, burstProb float64) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	publisher, err := runner.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, `,`))
	if err != nil {
		return err
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detectors := registry.Default()
	names := make([]string, 0)
	for _, d := range []string{`XENONnT`, `KamLAND`, `SK`, `Borexino`, `IceCube`, `JUNO`} {
		if detectors.Known(d) {
			names = append(names, d)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	seq := 0

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			det := names[rng.Intn(len(names))]
			seq++
			hb := message.Raw{
				ID:             fmt.Sprintf(`%d_Heartbeat_%s`, seq, det),
				DetectorName:   det,
				SentTimeUTC:    message.FormatTime(time.Now().UTC()),
				DetectorStatus: `ON`,
			}
			publishRaw(publisher, cfg.ObservationTopic, hb, log)

			if rng.Float64() >= burstProb {
				continue
			}
			// coincidence burst: 2-4 detectors within a few seconds
			base := time.Now().UTC().Add(-time.Minute)
			count := 2 + rng.Intn(3)
			perm := rng.Perm(len(names))
			for i := 0; i < count && i < len(perm); i++ {
				seq++
				pv := rng.Float64()*0.8 + 0.1
				obs := message.Raw{
					ID:              fmt.Sprintf(`%d_CoincidenceTier_%s`, seq, names[perm[i]]),
					DetectorName:    names[perm[i]],
					SentTimeUTC:     message.FormatTime(time.Now().UTC()),
					NeutrinoTimeUTC: message.FormatTime(base.Add(time.Duration(rng.Intn(8000)) * time.Millisecond)),
					PVal:            &pv,
					Meta:            map[string]interface{}{`is_test`: true},
				}
				publishRaw(publisher, cfg.ObservationTopic, obs, log)
			}
			log.WithField(`size`, count).Info(`injected coincidence burst`)
		}
	}
}

func publishRaw(p runner.Publisher, topic string, raw message.Raw, log *logrus.Logger) {
	payload, err := json.Marshal(raw)
	if err != nil {
		log.Error(err)
		return
	}
	if err := p.Publish(topic, payload); err != nil {
		log.Error(err)
	}
}
