package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fwaytoday/iot-dc3/pointvalue"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLatestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest <device> [point]",
		Short: "Show the newest stored value of a device or point",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openService(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			pointID := ""
			if len(args) == 2 {
				pointID = args[1]
			}
			v, err := srv.Values().Latest(cmd.Context(), args[0], pointID)
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		},
	}
	cmd.Flags().Bool("verbose", false, "Log to stderr")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Page through stored values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := listFilter(cmd)
			if err != nil {
				return err
			}
			srv, err := openService(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			page, err := srv.Values().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		},
	}
	cmd.Flags().String("device", "", "Device id")
	cmd.Flags().String("point", "", "Point id")
	cmd.Flags().Int64("current", 1, "Page number, starting at 1")
	cmd.Flags().Int64("size", 20, "Page size")
	cmd.Flags().String("start", "", "Origin time lower bound (RFC 3339)")
	cmd.Flags().String("end", "", "Origin time upper bound (RFC 3339)")
	cmd.Flags().Bool("verbose", false, "Log to stderr")
	return cmd
}

func listFilter(cmd *cobra.Command) (pointvalue.Filter, error) {
	flags := cmd.Flags()
	var f pointvalue.Filter
	f.DeviceID, _ = flags.GetString("device")
	f.PointID, _ = flags.GetString("point")
	f.Page.Current, _ = flags.GetInt64("current")
	f.Page.Size, _ = flags.GetInt64("size")
	for name, dst := range map[string]*time.Time{"start": &f.Page.Start, "end": &f.Page.End} {
		raw, _ := flags.GetString(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("--%s: %w", name, err)
		}
		*dst = t
	}
	return f, nil
}

func newRealtimeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime <device> [point]",
		Short: "Show the cached realtime values of a device or point",
		Long: "Reads the realtime cache. With the memory backend the cache belongs to " +
			"the running gateway process, so this command only sees values when the " +
			"nats backend is configured.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := openService(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			if len(args) == 2 {
				v, err := srv.Values().LatestCachedPoint(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			}
			values, err := srv.Values().LatestCached(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, values)
		},
	}
	cmd.Flags().Bool("verbose", false, "Log to stderr")
	return cmd
}
