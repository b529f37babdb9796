package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/silver"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Replayer re-derives silver state from archived raw pages without fetching.
type Replayer struct {
	raw        RawArchive
	parser     warehouse.Parser
	normalizer Normalizer
	baseURL    string
	logger     *zap.Logger
}

// NewReplayer constructs a Replayer. baseURL builds the listing URL handed to the parser.
func NewReplayer(raw RawArchive, parser warehouse.Parser, normalizer Normalizer, baseURL string, logger *zap.Logger) (*Replayer, error) {
	if raw == nil || parser == nil || normalizer == nil {
		return nil, fmt.Errorf("raw archive, parser and normalizer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		raw:        raw,
		parser:     parser,
		normalizer: normalizer,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}, nil
}

// Replay parses the newest raw snapshot of a listing and normalizes it at its original fetch time.
// Replaying an older snapshot than the current row is reported as stale by the normalizer.
func (r *Replayer) Replay(ctx context.Context, entityID int64) (silver.Result, error) {
	snapshot, body, err := r.raw.Latest(ctx, entityID)
	if err != nil {
		return silver.Result{}, err
	}
	url := fmt.Sprintf("%s/a/show/%d", r.baseURL, entityID)
	record, err := r.parser.Parse(body, url, entityID)
	switch {
	case errors.Is(err, warehouse.ErrNotFound):
		return r.normalizer.MarkInactive(ctx, entityID, snapshot.FetchedAt)
	case err != nil:
		return silver.Result{}, err
	}
	res, err := r.normalizer.Normalize(ctx, record, snapshot.FetchedAt)
	if err != nil {
		return silver.Result{}, err
	}
	r.logger.Info("listing replayed",
		zap.Int64("entity_id", entityID),
		zap.String("raw", snapshot.Location),
		zap.String("outcome", string(res.Outcome)),
	)
	return res, nil
}
