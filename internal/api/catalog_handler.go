package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/classify"
)

// catalogSnapshot is the JSON body GET /api/catalog serves: the
// classifier's shared-set view alongside the current relation
// directory.
type catalogSnapshot struct {
	SharedOids []uint32                `json:"sharedOids"`
	Relations  []catalog.RelationSummary `json:"relations"`
}

func (h *Handlers) handleCatalogSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := catalogSnapshot{
		SharedOids: classify.AllSharedOids(),
		Relations:  h.Catalog.RelationDirectory(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.Log.Warn("catalog snapshot encode failed", zap.Error(err))
	}
}
