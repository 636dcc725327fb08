// Package api serves the admin HTTP surface over the catalog core: a
// JSON snapshot route and a websocket event feed.
package api

import (
	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/internal/reactive"
)

// Handlers bundles the collaborators every route needs: the catalog
// accessor for snapshots and the admin event Feed for the live stream.
type Handlers struct {
	Catalog *catalog.Accessor
	Feed    *reactive.Feed
	Log     *zap.Logger
}

func NewHandlers(cat *catalog.Accessor, feed *reactive.Feed, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{Catalog: cat, Feed: feed, Log: log}
}
