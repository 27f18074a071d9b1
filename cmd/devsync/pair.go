package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/devsync/pairing"
)

func pairCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue, inspect and claim pairing codes",
	}

	cmd.AddCommand(pairIssueCmd(a))
	cmd.AddCommand(pairShowCmd(a))
	cmd.AddCommand(pairClaimCmd(a))

	return cmd
}

func pairIssueCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a pairing code for a device state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.issuer.Issue(cmd.Context(), state)
			if err != nil {
				return err
			}
			a.logger().Info("pairing code issued", zap.Int("expiration", s.Expiration))
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "device-supplied pairing state")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func pairShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <code>",
		Short: "Show the live session for a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok, err := a.issuer.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", args[0], pairing.ErrSessionNotFound)
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func pairClaimCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "claim <code>",
		Short: "Activate a pairing code (consumes it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.issuer.Claim(cmd.Context(), args[0], state)
			if errors.Is(err, pairing.ErrStateMismatch) {
				return fmt.Errorf("%s: %w (code burned, device must request a new one)", args[0], err)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state the device presented when pairing")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}
