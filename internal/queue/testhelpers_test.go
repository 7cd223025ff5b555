package queue_test

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/queue"
)

// graveyard is an in-memory queue.Store.
type graveyard struct {
	mu   sync.Mutex
	dead map[uuid.UUID]queue.DeadLetter
}

func newGraveyard() *graveyard {
	return &graveyard{dead: map[uuid.UUID]queue.DeadLetter{}}
}

func (g *graveyard) Bury(_ context.Context, dl queue.DeadLetter) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dl.ID = uuid.New()
	g.dead[dl.ID] = dl
	return dl.ID, nil
}

func (g *graveyard) CountBuried(ctx context.Context, kind string) (int64, error) {
	sizes, _ := g.BuriedByKind(ctx)
	if kind != "" {
		return sizes[kind], nil
	}
	var n int64
	for _, v := range sizes {
		n += v
	}
	return n, nil
}

func (g *graveyard) BuriedByKind(context.Context) (map[string]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sizes := map[string]int64{}
	for _, dl := range g.dead {
		sizes[dl.Kind]++
	}
	return sizes, nil
}

func (g *graveyard) all() map[uuid.UUID]queue.DeadLetter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.dead)
}
