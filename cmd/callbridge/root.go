// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "callbridge",
	Short: "SIP registrar and call bridging media server",
	Long: `callbridge answers and bridges SIP calls, relays their RTP media
and plays audio files, driven by a configurable dialplan.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (yaml)")
	rootCmd.AddCommand(serveCmd)
}
