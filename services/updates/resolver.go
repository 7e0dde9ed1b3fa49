package updates

import (
	"context"
	"errors"
)

// Resolver answers "what does a client at timestamp T need" queries from the
// ledger. Only Finalized builds are ever visible to clients.
type Resolver struct {
	ledger Ledger
}

// NewResolver creates a Resolver over the given ledger.
func NewResolver(ledger Ledger) (*Resolver, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	return &Resolver{ledger: ledger}, nil
}

// Latest returns the most recent finalized build for stream.
func (r *Resolver) Latest(ctx context.Context, stream string) (*Update, error) {
	return r.ledger.LatestFinalized(ctx, stream)
}

// HasNewer reports whether a finalized build newer than clientTimestamp
// exists. Streams with no history report false.
func (r *Resolver) HasNewer(ctx context.Context, stream string, clientTimestamp int64) (bool, error) {
	latest, err := r.ledger.LatestFinalized(ctx, stream)
	if err != nil {
		if errors.Is(err, ErrNoUpdates) {
			return false, nil
		}
		return false, err
	}
	return latest.Timestamp > clientTimestamp, nil
}

// PatchesSince lists the patch-archive timestamps a client at
// clientTimestamp must fetch and apply, in ascending order. The server never
// chains or compacts patches; the client applies each archive in sequence.
func (r *Resolver) PatchesSince(ctx context.Context, stream string, clientTimestamp int64) ([]int64, error) {
	builds, err := r.ledger.PatchesSince(ctx, stream, clientTimestamp)
	if err != nil {
		return nil, err
	}

	timestamps := make([]int64, 0, len(builds))
	for _, b := range builds {
		timestamps = append(timestamps, b.Timestamp)
	}
	return timestamps, nil
}
