package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/talkio/wablast/config"
	"github.com/talkio/wablast/internal/adminapi"
	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/automation"
	"github.com/talkio/wablast/internal/blast"
	"github.com/talkio/wablast/internal/connmgr"
	"github.com/talkio/wablast/internal/ingest"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/internal/webserver"
	"go.uber.org/zap"
)

var (
	h        = flag.Bool("h", false, "help usage")
	x        = flag.Bool("x", false, "debug mode")
	initdb   = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	conffile = flag.String("c", "/etc/wablast.yml", "config file")
)

func main() {
	flag.Parse()
	if *h {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
		return
	}

	cfg := config.LoadConfig(*conffile)
	if *x {
		cfg.System.Debug = true
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.S().Info("database initialized")
		return
	}

	dialer := protocol.NewWaDialer(cfg.System.Debug)
	manager := connmgr.NewManager(application, dialer)

	blastEngine := blast.NewEngine(application, manager)
	if err := blastEngine.StartReceiptFeedback(); err != nil {
		zap.S().Fatalf("receipt feedback init error %s", err.Error())
	}
	defer blastEngine.Shutdown()

	pipeline := ingest.NewPipeline(application, manager)
	pipeline.SetAutomation(automation.NewEngine(application, manager))
	if err := pipeline.Start(); err != nil {
		zap.S().Fatalf("ingest init error %s", err.Error())
	}

	blast.NewScheduler(blastEngine).Start()

	if cfg.System.Debug {
		// Render pairing QR codes on the terminal during development.
		err := application.Bus().SubscribeAsync(connmgr.TopicConnectionQR,
			func(tenantID int64, codes []string) {
				if len(codes) == 0 {
					return
				}
				fmt.Printf("scan to pair tenant %d:\n", tenantID)
				qrterminal.GenerateHalfBlock(codes[0], qrterminal.L, os.Stdout)
			}, false)
		if err != nil {
			zap.S().Errorf("qr subscriber error %s", err.Error())
		}
	}

	manager.RestoreSessions(context.Background())

	server := webserver.Init(application)
	adminapi.Init(manager, blastEngine)
	go func() {
		if err := server.Start(); err != nil {
			zap.S().Fatalf("web server error %s", err.Error())
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.L().Info("shutting down")
	server.Stop()
	manager.MirrorConnected()
	manager.Shutdown()
}
