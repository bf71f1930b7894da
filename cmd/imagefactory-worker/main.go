// Command imagefactory-worker is the long-running daemon that runs the
// dispatcher, updater and collector loops against one configured set of
// worker locations, following cmd/autobuilder's flag-configured single
// binary layout.
package main

import (
	"flag"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openwrt/imagefactory"
	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/logging"
	"github.com/openwrt/imagefactory/internal/orchestrator"
	"github.com/openwrt/imagefactory/internal/store"
	"github.com/openwrt/imagefactory/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/imagefactory/config.yaml", "path to YAML configuration")
	listen := flag.String("listen", ":8080", "status page listen address")
	flag.Parse()

	log := logging.New("main", nil)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.WithError(err).Fatal("connecting to database")
	}
	defer db.Close()

	deps := worker.Deps{
		Config:   cfg,
		Store:    db,
		Artifact: &artifact.Store{Root: cfg.DownloadFolder},
	}

	ctx, cancel := imagefactory.InterruptibleContext()
	defer cancel()

	dispatcher := &orchestrator.Dispatcher{Deps: deps, Cfg: cfg}
	updater := &orchestrator.Updater{Deps: deps, Cfg: cfg}
	collector := &orchestrator.Collector{Store: db, Artifact: deps.Artifact, Cfg: cfg}
	statusSrv := &orchestrator.StatusServer{Cfg: cfg, Store: db, Started: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return updater.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx) })
	g.Go(func() error { return statusSrv.Serve(gctx, *listen) })

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("daemon exited with error")
	}
}
