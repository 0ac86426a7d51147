// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jittarao/torboxd/internal/config"
)

func RunGenConfigCommand() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Write a default config.toml with a fresh encryption secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := config.GenerateSecret()
			if err != nil {
				return err
			}

			content := config.RenderDefault(secret)

			if outPath == "" || outPath == "-" {
				fmt.Fprint(cmd.OutOrStdout(), content)
				return nil
			}

			if info, err := os.Stat(outPath); err == nil && info.IsDir() {
				outPath = filepath.Join(outPath, "config.toml")
			}
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing config at %s", outPath)
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(outPath, []byte(content), 0o600); err != nil {
				return err
			}

			cmd.Printf("Wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Output path (default: stdout)")
	return cmd
}
