// Command gqlsse issues a single GraphQL operation against a
// graphql-sse server and prints the resulting stream to stdout,
// grounded on getmockd-mockd's Cobra command tree (pkg/cli/*.go).
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/graphql-sse/gqlsse/transport"
)

var (
	url              string
	query            string
	variablesJSON    string
	singleConnection bool
)

var rootCmd = &cobra.Command{
	Use:   "gqlsse",
	Short: "Issue one GraphQL operation over graphql-sse and print the stream",
	Args:  cobra.NoArgs,
	RunE:  runSubscribe,
}

func init() {
	rootCmd.Flags().StringVar(&url, "url", "http://localhost:8080/graphql/stream", "server endpoint")
	rootCmd.Flags().StringVar(&query, "query", "query { hello }", "GraphQL query, mutation, or subscription document")
	rootCmd.Flags().StringVar(&variablesJSON, "variables", "", "JSON-encoded variables object")
	rootCmd.Flags().BoolVar(&singleConnection, "single-connection", false, "use single-connection mode instead of distinct-connections mode")
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	client, err := transport.NewClient(url, &transport.ClientOptions{SingleConnection: singleConnection})
	if err != nil {
		return err
	}
	defer client.Close()

	op := transport.OperationRequest{Query: query}
	if variablesJSON != "" {
		op.Variables = []byte(variablesJSON)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	dispose := client.Subscribe(op, transport.Sink{
		Next: func(result transport.ExecutionResult) {
			fmt.Printf("next: data=%s errors=%s\n", result.Data, result.Errors)
		},
		Error: func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			wg.Done()
		},
		Complete: func() {
			fmt.Println("complete")
			wg.Done()
		},
	})
	defer dispose()

	wg.Wait()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
