package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		path    string
		grace   time.Duration
		verbose bool
	)
	root := &cobra.Command{
		Use:   "ws_bridge [flags] -- command [args...]",
		Short: "Expose a line-oriented process over WebSocket",
		Long: `ws_bridge starts the command for every WebSocket connection, for example
"ws_bridge -- parley --acp". Each client message becomes one line on the
command's stdin; each line it prints comes back as {"type":"stdout","data":...}
or {"type":"stderr","data":...}, followed by {"type":"exit","data":<status>}.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return serve(ctx, addr, path, newBridge(args, grace, logger), logger)
		},
	}
	f := root.Flags()
	f.StringVar(&addr, "addr", ":8080", "Address to listen on")
	f.StringVar(&path, "path", "/ws", "WebSocket endpoint path")
	f.DurationVar(&grace, "grace", 5*time.Second, "How long a process may run after its client disconnects")
	f.BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func serve(ctx context.Context, addr, path string, handler http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("websocket bridge listening", zap.String("addr", addr), zap.String("path", path))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
