// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jittarao/torboxd/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "torboxd",
		Short: "Multi-tenant TorBox automation daemon",
		Long:  "torboxd polls TorBox on behalf of registered users and executes their automation rules.",
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunRegisterCommand())
	rootCmd.AddCommand(RunUserCommand())
	rootCmd.AddCommand(RunGenConfigCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Print(buildinfo.String())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
