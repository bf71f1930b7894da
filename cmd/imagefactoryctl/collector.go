package main

import (
	"context"

	"github.com/openwrt/imagefactory/internal/artifact"
	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/orchestrator"
	"github.com/openwrt/imagefactory/internal/store"
)

// runCollectorOnce invokes the same reclamation logic the daemon's
// collector loop runs every CollectorInterval, for an operator who wants it
// immediately rather than waiting out the timer.
func runCollectorOnce(ctx context.Context, db *store.Postgres, cfg *config.Config) error {
	c := &orchestrator.Collector{
		Store:    db,
		Artifact: &artifact.Store{Root: cfg.DownloadFolder},
		Cfg:      cfg,
	}
	return c.RunOnce(ctx)
}
