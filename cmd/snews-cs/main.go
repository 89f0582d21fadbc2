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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:   `snews-cs`,
		Short: `Supernova early-warning coincidence engine`,
		Long: `snews-cs ingests observation and heartbeat messages from the
shared bus, groups temporally coincident observations across
detectors, and publishes alerts whenever the coincidence state
changes materially.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, `env-file`, `.env`, `path to an optional .env file`)

	root.AddCommand(runCmd())
	root.AddCommand(simulateCmd())
	root.AddCommand(hardResetCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
