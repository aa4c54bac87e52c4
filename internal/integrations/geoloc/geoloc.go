package geoloc

import (
	"context"
	"time"

	"github.com/BearBump/RouteBox/internal/models"
)

// Options mirror the platform geolocation contract. Timeout is the hard
// bound on acquiring a fix; MaximumAge allows a cached fix not older
// than the given duration.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// Provider returns the device's current position or an error.
// Callers decide whether a failed fix is fatal (explicit "where am I")
// or degradable (enriching a stop mark).
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (models.Position, error)
}
