// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func RunRegisterCommand() *cobra.Command {
	var (
		configPath string
		keyName    string
		rawKey     string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a TorBox API key and create the user's store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer a.catalog.Close()

			key := strings.TrimSpace(rawKey)
			if key == "" {
				key, err = promptForKey()
				if err != nil {
					return err
				}
			}
			if key == "" {
				return errors.New("api key must not be empty")
			}

			authID, store, err := a.manager.RegisterUser(cmd.Context(), key, keyName)
			if err != nil {
				return err
			}
			defer a.manager.Release(authID)

			cmd.Printf("Registered user %s\n", authID)
			cmd.Printf("Store: %s\n", store.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file or directory")
	cmd.Flags().StringVar(&keyName, "name", "", "Display name for the key")
	cmd.Flags().StringVar(&rawKey, "key", "", "API key (omit to be prompted without echo)")
	return cmd
}

func promptForKey() (string, error) {
	fmt.Fprint(os.Stderr, "TorBox API key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
