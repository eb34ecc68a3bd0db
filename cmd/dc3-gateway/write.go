package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <device> <point> <value>",
		Short: "Write a value to a device point through the configured adapter",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openService(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			if err := srv.Initialize(cmd.Context()); err != nil {
				return err
			}
			ok, err := srv.Dispatcher().Write(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("device %s rejected the write to %s", args[0], args[1])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s/%s\n", args[2], args[0], args[1])
			return nil
		},
	}
	cmd.Flags().Bool("verbose", false, "Log to stderr")
	return cmd
}
