// Command retrovue-supervisor launches and restarts one
// retrovue-engine child process per configured channel, per spec.md §5:
// a deployment running several 24/7 channels on one host uses this to
// keep each channel's engine process alive independently, restarting a
// crashed channel without affecting its siblings.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/slbailey/retrovue/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to the supervisor instances config (JSON)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("supervisor: signal received, stopping children")
		cancel()
	}()

	if err := supervisor.Run(ctx, *configPath); err != nil {
		log.Fatalf("supervisor: %v", err)
	}
}
