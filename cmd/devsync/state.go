package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/devsync"
)

func stateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and invalidate cached device state",
	}

	cmd.AddCommand(stateFingerprintCmd(a))
	cmd.AddCommand(stateInvalidateCmd(a))

	return cmd
}

// resourceKey maps a device id to its skills key unless raw is set.
func resourceKey(arg string, raw bool) string {
	if raw {
		return arg
	}
	return devsync.DeviceSkillsKey(arg)
}

func stateFingerprintCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "fingerprint <device-id>",
		Short: "Print the cached fingerprint (ETag) of a device's skill settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := resourceKey(args[0], raw)
			fp, ok, err := a.state.Fingerprint(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not cached\n", key)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "treat the argument as a full resource key")
	return cmd
}

func stateInvalidateCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "invalidate <device-id>",
		Short: "Force the next read of a device's skill settings to reload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := resourceKey(args[0], raw)
			err := a.state.Invalidate(cmd.Context(), key)
			var ie *devsync.InvalidateError
			if errors.As(err, &ie) && ie.Effective() {
				a.logger().Warn("partial invalidation", zap.String("key", key), zap.Error(err))
				fmt.Fprintf(cmd.OutOrStdout(), "%s: invalidated (partial: %v)\n", key, err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: invalidated\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "treat the argument as a full resource key")
	return cmd
}
