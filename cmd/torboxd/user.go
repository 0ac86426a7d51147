// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/jittarao/torboxd/internal/models"
)

func RunUserCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registered users",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file or directory")

	cmd.AddCommand(runUserListCommand(&configPath))
	cmd.AddCommand(runUserDeactivateCommand(&configPath))
	cmd.AddCommand(runUserDeleteCommand(&configPath))
	return cmd
}

func runUserListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.catalog.Close()

			registry := models.NewRegistryStore(a.catalog)
			regs, err := registry.ActiveUsers(cmd.Context())
			if err != nil {
				return err
			}

			if len(regs) == 0 {
				cmd.Println("No registered users.")
				return nil
			}

			for _, reg := range regs {
				next := "-"
				if reg.NextPollAt != nil {
					next = reg.NextPollAt.Format("2006-01-02 15:04:05")
				}
				cmd.Printf("%s  status=%s rules=%v nonTerminal=%d nextPoll=%s\n",
					reg.AuthID, reg.Status, reg.HasActiveRules, reg.NonTerminalCount, next)
			}
			return nil
		},
	}
}

func runUserDeactivateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <auth_id>",
		Short: "Stop polling a user without deleting their data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.catalog.Close()

			registry := models.NewRegistryStore(a.catalog)
			if err := registry.UpdateUserStatus(cmd.Context(), args[0], models.UserStatusInactive); err != nil {
				return err
			}

			cmd.Printf("Deactivated user %s\n", args[0])
			return nil
		},
	}
}

func runUserDeleteCommand(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <auth_id>",
		Short: "Delete a user, their credential, and their store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				cmd.Println("Refusing to delete without --yes; this removes the user's store file.")
				return nil
			}

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.catalog.Close()

			if err := a.manager.DeleteUser(cmd.Context(), args[0]); err != nil {
				return err
			}

			cmd.Printf("Deleted user %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}
