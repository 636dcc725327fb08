// Package app assembles the catalog core's process-wide collaborators
// (the in-memory catalog, the event-trigger engine, the admin event
// feed, and the walwatch bridge) and serves the admin HTTP surface over
// them.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/internal/api"
	"github.com/zoravur/catalogcore/internal/reactive"
	"github.com/zoravur/catalogcore/internal/wal"
	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
)

// walwatchAddr is where the separate walwatch module's TCP progress
// stream listens.
const walwatchAddr = "localhost:9000"

type Server struct {
	httpServer *http.Server
	Catalog    *catalog.Accessor
	Events     *eventtrigger.Core
	Feed       *reactive.Feed
	Tracker    *wal.Tracker
	consumer   *wal.Consumer
	log        *zap.Logger
	done       chan struct{}
}

func NewServer() *Server {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}

	cat := catalog.New(logger)
	events := eventtrigger.New(catalogcfg.New(catalogcfg.WithEventTriggers(true)), logger)
	feed := reactive.NewFeed()
	tracker := wal.NewTracker()
	consumer := wal.NewConsumer(walwatchAddr, tracker, logger)

	registerFeedTriggers(events, feed)

	handlers := api.NewHandlers(cat, feed, logger)
	mux := api.SetupRoutes(handlers)

	return &Server{
		httpServer: &http.Server{Addr: ":8080", Handler: mux},
		Catalog:    cat,
		Events:     events,
		Feed:       feed,
		Tracker:    tracker,
		consumer:   consumer,
		log:        logger,
		done:       make(chan struct{}),
	}
}

// registerFeedTriggers wires the two hooks that turn query-frame
// activity into admin-feed events: every completed DDL command and
// every dropped object is broadcast to whoever is connected to
// GET /api/events, a single fan-out with no per-client filter.
func registerFeedTriggers(events *eventtrigger.Core, feed *reactive.Feed) {
	events.RegisterTrigger(&eventtrigger.Trigger{
		Name:    "catalogcore_admin_feed_commands",
		Event:   eventtrigger.EventDdlCommandEnd,
		Enabled: eventtrigger.EnableAlways,
		Fn: func(ctx *eventtrigger.Context) error {
			cmds, err := ctx.DdlCommands()
			if err != nil {
				return err
			}
			for _, cmd := range cmds {
				feed.Broadcast("command", cmd)
			}
			return nil
		},
	})
	events.RegisterTrigger(&eventtrigger.Trigger{
		Name:    "catalogcore_admin_feed_drops",
		Event:   eventtrigger.EventSqlDrop,
		Enabled: eventtrigger.EnableAlways,
		Fn: func(ctx *eventtrigger.Context) error {
			drops, err := ctx.SqlDropRows()
			if err != nil {
				return err
			}
			for _, drop := range drops {
				feed.Broadcast("drop", drop)
			}
			return nil
		},
	})
}

func (s *Server) Run() error {
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Fatal("http server error", zap.Error(err))
		}
	}()

	go s.consumer.Run(s.done)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	s.log.Info("shutting down")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
