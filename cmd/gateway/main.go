// Package main is the entry point for the Clawdis gateway process. It
// reads the three environment variables that are this layer's entire
// configuration surface (CLAWDIS_GATEWAY_TOKEN, CLAWDIS_VERSION,
// GIT_COMMIT), binds the loopback-only WebSocket endpoint, and blocks
// until an interrupt triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawdis/gateway/internal/gateway"
	"github.com/clawdis/gateway/internal/schema"
)

func main() {
	emitSchema := flag.Bool("emit-schema", false, "print the frame protocol's JSON Schema document and exit")
	port := flag.Int("port", 18789, "loopback port to bind")
	flag.Parse()

	if *emitSchema {
		doc, err := schema.Export()
		if err != nil {
			fmt.Fprintln(os.Stderr, "emit-schema:", err)
			os.Exit(1)
		}
		os.Stdout.Write(doc)
		os.Stdout.WriteString("\n")
		return
	}

	cfg := gateway.Config{
		Host:    "127.0.0.1",
		Port:    *port,
		Token:   gateway.LoadGatewayToken(),
		Version: os.Getenv("CLAWDIS_VERSION"),
		Commit:  os.Getenv("GIT_COMMIT"),
	}
	srv := gateway.New(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintln(os.Stderr, "gateway:", err)
			os.Exit(1)
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "gateway shutdown:", err)
			os.Exit(1)
		}
	}
}
