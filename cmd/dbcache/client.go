package main

import (
	"fmt"
	"time"

	"github.com/agentuity/go-dbcache/api"
	"github.com/agentuity/go-dbcache/config"
	"github.com/agentuity/go-dbcache/env"
	"github.com/agentuity/go-dbcache/sys"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "dbcache server URL (env DBCACHE_SERVER, default http://localhost:8080)")
}

func newClient(cmd *cobra.Command) *api.Client {
	log := env.NewLogger(cmd)
	server := env.FlagOrEnv(cmd, "server", "DBCACHE_SERVER", "http://localhost:8080")
	if sys.IsPlainHTTPRemote(server) {
		log.Warn("sending cache values to %s over plain HTTP", server)
	}
	return api.NewClient(log, server)
}

// parseTTL accepts a duration ("90s", "1d"), "never", or empty for the
// server default.
func parseTTL(s string) (time.Duration, error) {
	switch s {
	case "":
		return 0, nil
	case "never":
		return -1, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return -1, nil
	}
	return d, nil
}

func newPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("ttl")
			ttl, err := parseTTL(raw)
			if err != nil {
				return errors.Wrap(err, "--ttl")
			}
			if err := newClient(cmd).Put(cmd.Context(), args[0], args[1], ttl); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "success")
			return nil
		},
	}
	addServerFlag(cmd)
	cmd.Flags().String("ttl", "", `time to live, e.g. 90s or 1d; "never" disables expiry (default: server default)`)
	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, found, err := newClient(cmd).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return errors.Newf("%s: not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "success")
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func newFlushCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Persist every queued write now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := newClient(cmd).Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "success")
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}
