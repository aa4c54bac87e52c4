package fake

import (
	"context"
	"sync"

	"github.com/BearBump/RouteBox/internal/integrations/geoloc"
	"github.com/BearBump/RouteBox/internal/models"
)

// FakeProvider — заглушка GPS для тестов и демо-режима.
type FakeProvider struct {
	mu  sync.Mutex
	pos models.Position
	err error
}

func New() *FakeProvider {
	return &FakeProvider{pos: models.Position{Latitude: 9.9312, Longitude: 76.2673}}
}

func (f *FakeProvider) SetPosition(p models.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = p
	f.err = nil
}

func (f *FakeProvider) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeProvider) CurrentPosition(ctx context.Context, opts geoloc.Options) (models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Position{}, f.err
	}
	return f.pos, nil
}
