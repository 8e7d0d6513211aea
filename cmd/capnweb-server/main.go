// Command capnweb-server runs the example Cap'n Web session endpoint:
// a single root capability reachable over both a WebSocket connection
// and HTTP-batch POSTs, plus a static file endpoint for a demo client.
package main

import (
	"fmt"
	"os"

	"github.com/capnweb-go/capnweb"
	"github.com/capnweb-go/capnweb/internal/demo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr              string
		rpcPath           string
		staticDir         string
		exposeStackTraces bool
		devMode           bool
	)

	cmd := &cobra.Command{
		Use:   "capnweb-server",
		Short: "Serve a Cap'n Web capability session over WebSocket and HTTP batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(devMode)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			root := demo.New()
			opts := []capnweb.Option{
				capnweb.WithLogger(logger),
				capnweb.WithExposeStackTraces(exposeStackTraces),
			}

			e := capnweb.NewEchoServer()
			capnweb.SetupRPCEndpoint(e, rpcPath, root, opts...)
			if staticDir != "" {
				capnweb.SetupFileEndpoint(e, "/static", staticDir, logger)
			}

			logger.Info("capnweb-server listening",
				zap.String("addr", addr),
				zap.String("rpc_path", rpcPath),
				zap.String("static_dir", staticDir),
			)
			return e.Start(addr)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", ":8000", "address to listen on")
	flags.StringVar(&rpcPath, "rpc-path", "/api", "path to serve the RPC endpoint under")
	flags.StringVar(&staticDir, "static-dir", "", "directory of static assets to serve under /static (disabled if empty)")
	flags.BoolVar(&exposeStackTraces, "expose-stack-traces", false, "include stack traces in wire error payloads")
	flags.BoolVar(&devMode, "dev", false, "use human-readable development logging instead of JSON")

	return cmd
}

func newLogger(devMode bool) (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
