package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/probe"
	"github.com/dgurram/decoy/internal/service/logger"
)

func main() {
	cfg, err := config.GetAgentConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init("probe_agent")

	var driver probe.Driver
	switch cfg.DRIVER {
	default:
		driver = probe.NewStaticDriver()
	}
	agent := probe.NewAgent(driver)

	var ln net.Listener
	switch cfg.TRANSPORT {
	case "tcp":
		ln, err = probe.Listen(probe.TCP, ":"+cfg.PORT)
	default:
		ln, err = probe.Listen(probe.UDS, cfg.SOCKET_PATH)
	}
	if err != nil {
		log.Fatalf("listen error: %v", err)
	}

	go func() {
		if err := agent.Serve(ln); err != nil {
			log.Fatalf("agent error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := agent.Shutdown(ctx); err != nil {
		log.Fatalf("agent shutdown error: %v", err)
	}
	logger.Log.Info().Msg("agent shutdown gracefully.")
}
