package main

import (
	"fmt"
	"os"

	"github.com/agentuity/go-dbcache/api"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbcache",
		Short:         "Write-behind cache over SQLite or Redis",
		Version:       api.Version + " (" + api.Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (env DBCACHE_LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "log format: console or json (env DBCACHE_LOG_FORMAT)")
	root.PersistentFlags().String("env-file", "", "dotenv file loaded before anything else")

	root.AddCommand(newServeCommand())
	root.AddCommand(newPutCommand(), newGetCommand(), newDeleteCommand(), newFlushCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
