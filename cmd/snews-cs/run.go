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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Shopify/sarama"
	"github.com/spf13/cobra"
	"github.com/wvanbergen/kafka/consumergroup"
	kazoo "github.com/wvanbergen/kazoo-go"

	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/admin"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/archive"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/bridge"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/cache"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/config"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/decider"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/heartbeat"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/logging"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/registry"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/runner"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/statestore"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/telemetry"
	"github.com/SNEWS2/SNEWS-Coincidence-System/internal/validate"
)

// scanInterval is the cadence of the heartbeat silence scanner and
// the cache/archive sweeps.
const scanInterval = 60 * time.Second

func runCmd() *cobra.Command {
	var firedrill, dumpMetrics bool

	cmd := &cobra.Command{
		Use:   `run`,
		Short: `Run the coincidence engine loop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(firedrill, dumpMetrics)
		},
	}
	cmd.Flags().BoolVar(&firedrill, `firedrill`, false, `consume and publish on the firedrill topics`)
	cmd.Flags().BoolVar(&dumpMetrics, `metrics`, false, `periodically dump telemetry counters to the log`)
	return cmd
}

func runEngine(firedrill, dumpMetrics bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	observationTopic := cfg.ObservationTopic
	alertTopic := cfg.AlertTopic
	if firedrill {
		observationTopic = cfg.FiredrillObservationTopic
		alertTopic = cfg.FiredrillAlertTopic
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.Default()
	validator := validate.New(reg)

	// Redis-backed state store: restores the cache across restarts and
	// serves the externally-elected leader flag. The engine runs
	// without it, falling back to the static IS_LEADER setting.
	var store *statestore.Store
	store, err = statestore.New(ctx, cfg.RedisConnect, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Warn(`state store unavailable, running without snapshot persistence`)
		store = nil
	} else {
		defer store.Close()
	}

	var engine *cache.Cache
	if store != nil {
		restored, err := store.LoadCache(ctx)
		if err != nil {
			log.WithError(err).Warn(`cache restore failed, starting empty`)
		} else if restored != nil {
			engine = restored
			log.WithField(`sub_groups`, restored.Size()).Info(`cache restored from state store`)
		}
	}
	if engine == nil {
		engine = cache.New(cfg.Window(), cfg.Expiration(), log)
	}

	monitor := heartbeat.New(cfg.HeartbeatWindow(), log)

	dec := decider.New(decider.Config{
		WindowSeconds:    cfg.Window().Seconds(),
		ImitationPerWeek: cfg.ImitationPerWeek,
		ServerTag:        cfg.ServerTag,
	}, log)

	var store48h *archive.Store
	if cfg.ArchivePath != `` {
		store48h, err = archive.Open(cfg.ArchivePath, cfg.HeartbeatWindow())
		if err != nil {
			return err
		}
		defer store48h.Close()
	}

	adm := admin.New(cfg.AdminSecret, cfg.ConnectionTestTopic, reg, monitor, log)

	brd := bridge.New(bridge.Config{
		WebhookURI:       cfg.BridgeWebhookURI,
		RetryCount:       cfg.BridgeRetryCount,
		RetryMinWaitTime: 100 * time.Millisecond,
		RetryMaxWaitTime: 2 * time.Second,
	}, log)

	tel := telemetry.New(log)
	if dumpMetrics {
		go tel.Report(ctx, scanInterval)
	}

	publisher, err := runner.NewKafkaPublisher(strings.Split(cfg.KafkaBrokers, `,`))
	if err != nil {
		return err
	}
	defer publisher.Close()

	ccfg := consumergroup.NewConfig()
	ccfg.Offsets.Initial = sarama.OffsetNewest
	ccfg.Offsets.ProcessingTimeout = 10 * time.Second
	var zkNodes []string
	zkNodes, ccfg.Zookeeper.Chroot = kazoo.ParseConnectionString(cfg.Zookeeper)

	consumer, err := consumergroup.JoinConsumerGroup(
		cfg.ConsumerGroup, []string{observationTopic}, zkNodes, ccfg)
	if err != nil {
		return err
	}

	leader := func() bool {
		if store != nil {
			return store.Leader(ctx)
		}
		return cfg.Leader
	}

	run := runner.New(runner.Config{
		ObservationTopic:    observationTopic,
		AlertTopic:          alertTopic,
		ConnectionTestTopic: cfg.ConnectionTestTopic,
		RetryMax:            cfg.RetryMax,
		ServerTag:           cfg.ServerTag,
		Leader:              leader,
	}, log, validator, engine, dec, monitor, store48h, adm, publisher).
		WithMetrics(tel).
		WithBridge(brd)

	go scanLoop(ctx, engine, monitor, store, store48h, brd, tel)

	err = run.Run(ctx, consumer)
	if brd != nil {
		brd.Drain()
	}
	return err
}

// scanLoop runs the fixed-cadence maintenance work: the heartbeat
// silence scanner, the cache and archive expiration sweeps, and the
// state store snapshots. Cache access goes through the cache's own
// synchronized operations, so a sweep never interleaves with an
// in-flight admission.
func scanLoop(ctx context.Context, engine *cache.Cache, monitor *heartbeat.Monitor,
	store *statestore.Store, store48h *archive.Store, brd *bridge.Bridge, tel *telemetry.Metrics) {
	tick := time.NewTicker(scanInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			for _, det := range monitor.ScanForSilence() {
				if tel != nil {
					tel.MarkSilenceWarning()
				}
				if brd != nil {
					brd.NotifySilence(det)
				}
			}
			engine.Sweep(now.UTC())
			if store48h != nil {
				store48h.Sweep(now.UTC())
			}
			if store != nil {
				store.SaveCache(ctx, engine, 48*time.Hour)
				store.SaveHeartbeatSnapshot(ctx, monitor.Snapshot(), 48*time.Hour)
			}
		}
	}
}
