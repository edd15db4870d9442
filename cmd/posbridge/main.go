// Package main runs the POS device and payment bridge: it keeps the duplex
// hardware channels alive, drives the card-reader payment flow, and exposes
// both to the register UI over the status API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/registerlabs/posbridge/internal/api"
	"github.com/registerlabs/posbridge/internal/bus"
	"github.com/registerlabs/posbridge/internal/channel"
	"github.com/registerlabs/posbridge/internal/config"
	"github.com/registerlabs/posbridge/internal/device"
	"github.com/registerlabs/posbridge/internal/storage/memory"
	"github.com/registerlabs/posbridge/internal/system"
	"github.com/registerlabs/posbridge/internal/terminal"
	"github.com/registerlabs/posbridge/pkg/logger"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("posbridge").WithError(err).Fatal("configuration invalid")
	}

	log := logger.New(cfg.Logging)
	log.Info("starting posbridge")

	msgBus := bus.New()

	registry := channel.NewRegistry(channel.Config{
		BaseURL: cfg.Gateway.WSBaseURL,
		Endpoints: []channel.Key{
			{Category: channel.CategoryHardware, Endpoint: channel.EndpointCashDrawer},
			{Category: channel.CategoryHardware, Endpoint: channel.EndpointPrinter},
			{Category: channel.CategoryEvents, Endpoint: channel.EndpointKitchen},
		},
		SendRate:  rate.Limit(cfg.Channels.SendRate),
		SendBurst: cfg.Channels.SendBurst,
	}, msgBus, log.WithField("component", "channel"))

	drawer := device.NewCashDrawer(registry, msgBus, log.WithField("component", "cash-drawer"), cfg.Devices.DrawerTimeout)
	printer := device.NewReceiptPrinter(registry, msgBus, log.WithField("component", "printer"), cfg.Devices.PrinterTimeout)

	payments := memory.New()
	gateway := terminal.NewClient(terminal.ClientConfig{
		BaseURL: cfg.Gateway.APIBaseURL,
		Token:   cfg.Gateway.Token,
	})
	orchestrator := terminal.NewOrchestrator(gateway, msgBus, payments,
		log.WithField("component", "terminal"),
		terminal.Config{PollInterval: cfg.Terminal.PollInterval})

	server := api.NewServer(api.ServerConfig{Host: cfg.Server.Host, Port: cfg.Server.Port},
		log.WithField("component", "api"),
		registry, drawer, printer, orchestrator, payments)

	manager := system.NewManager(log)
	manager.Register(registry, orchestrator, server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Stop(shutdownCtx)
}
