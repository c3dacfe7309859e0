package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"busrpc/hub"
)

const defaultHubAddr = "localhost:7680"

var hubListen string

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run a TCP hub that routes packets between peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h := hub.New(logger)
		errc := make(chan error, 1)
		go func() { errc <- h.ListenAndServe(hubListen) }()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down hub")
		if err := h.Shutdown(5 * time.Second); err != nil {
			logger.Warn("hub shutdown", zap.Error(err))
		}
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	hubCmd.Flags().StringVar(&hubListen, "listen", defaultHubAddr, "address to listen on")
}
