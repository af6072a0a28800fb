package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/ToppleKek/chatd/config"
	"github.com/ToppleKek/chatd/journal"
	"github.com/ToppleKek/chatd/server"
)

func main() {
	root := &cobra.Command{
		Use:   "chatd",
		Short: "Durable single-process TCP chat server",
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		jww.ERROR.Printf("%v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	jww.SetLogThreshold(jww.LevelInfo)
	jww.SetStdoutThreshold(jww.LevelInfo)

	cfg := config.Load()

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	srv := server.New(cfg, j)
	srv.Recover()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case sig := <-sigCh:
		jww.INFO.Printf("received signal %v, shutting down", sig)
		srv.Shutdown()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	return nil
}
