// Command gqlssed runs a standalone graphql-sse server hosting the demo
// schema, grounded on getmockd-mockd's Cobra command tree (pkg/cli/*.go).
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphql-sse/gqlsse/examples/schema"
	"github.com/graphql-sse/gqlsse/transport"
)

var (
	addr        string
	idleTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "gqlssed",
	Short: "Run a graphql-sse demo server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 10*time.Second, "unattached reservation eviction timeout")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	engine := schema.NewDemoEngine()

	handler := transport.NewHandler(func(*http.Request) transport.Engine { return engine }, &transport.HandlerOptions{
		IdleTimeout: idleTimeout,
		Logger:      logger,
	})
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle("/graphql/stream", handler)

	logger.Info("gqlssed listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
