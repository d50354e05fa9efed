// Package cli implements enclavectl, a local host simulator: it builds
// the same request frames a browser host would postMessage to the
// enclave worker and feeds them straight into the dispatch server
// in-process. Useful for development and for driving the worker's full
// RPC surface without a browser.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ats-kms/enclave/internal/env"
	"github.com/ats-kms/enclave/internal/orchestrator"
	"github.com/ats-kms/enclave/internal/retry"
	"github.com/ats-kms/enclave/internal/rpc"
	"github.com/ats-kms/enclave/internal/store"
	_ "github.com/ats-kms/enclave/internal/store/memory"
	_ "github.com/ats-kms/enclave/internal/store/sqlite"
	"github.com/ats-kms/enclave/internal/transport"
)

// cliOrigin is the origin enclavectl stamps on its frames. The dispatch
// server is configured to accept exactly this value, mirroring the
// parent-origin check the worker performs in a browser.
const cliOrigin = "cli://enclavectl"

var rootCmd = &cobra.Command{
	Use:   "enclavectl",
	Short: "Drive the enclave KMS worker from the command line",
	Long: `enclavectl plays the role of the host application: it constructs the
same {id, method, params} frames a browser would postMessage to the
enclave worker and dispatches them in-process.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(vapidCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(resetCmd)
}

// newServer opens the configured storage backend and builds a dispatch
// server over it. Storage initialization retries with backoff: on a
// laptop the SQLite file can be briefly locked by a second enclavectl
// invocation racing this one. The retry window is bounded by the same
// timeout a host would impose on a request.
func newServer(ctx context.Context) (*rpc.Server, func(), error) {
	backend, err := store.New(env.BackendStoreType(), store.Config{Location: env.DatabaseDir()})
	if err != nil {
		return nil, nil, fmt.Errorf("building storage backend: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, env.RPCTimeout())
	defer cancel()
	retrier := retry.NewExponentialRetrier()
	if err := retrier.RetryWithBackoff(initCtx, func() error {
		return backend.Initialize(initCtx)
	}); err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	cleanup := func() { _ = backend.Close(ctx) }

	orch, err := orchestrator.New(backend)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("starting orchestrator: %w", err)
	}
	return rpc.NewServer(orch, transport.AllowOrigins(cliOrigin)), cleanup, nil
}

// call dispatches one frame and prints the response as indented JSON,
// exiting nonzero on an error response.
func call(srv *rpc.Server, id, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	resp := srv.HandleMessage(cliOrigin, transport.Request{ID: id, Method: method, Params: raw})
	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Error.Error())
		return fmt.Errorf("%s failed", method)
	}
	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
