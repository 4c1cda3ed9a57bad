// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagSimulate bool
	flagAddr     string

	rootCmd = &cobra.Command{
		Use:   "nightwatch",
		Short: "Unattended-observatory safety and fault-response daemon",
		Long: "nightwatch supervises an unattended observatory: it gates\n" +
			"telescope commands behind safety interlocks, watches service\n" +
			"heartbeats, and drives park/close emergency responses.",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the safety daemon and its status API",
		RunE:  runServe,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon and print its status",
		RunE:  runStatus,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nightwatch %s (%s)\n", version, commit)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to the config file (default: search standard locations)")
	serveCmd.Flags().BoolVar(&flagSimulate, "simulate", false,
		"use simulated mount and roof instead of real hardware")
	statusCmd.Flags().StringVar(&flagAddr, "addr", "",
		"daemon address (default: from config)")

	rootCmd.AddCommand(serveCmd, statusCmd, versionCmd)
}
