package http

import (
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/proximity/internal/adapters/postgres"
	"github.com/samirrijal/proximity/internal/adapters/valkey"
	"github.com/samirrijal/proximity/internal/core/usecases"
)

// Dependencies holds all services needed by HTTP handlers.
type Dependencies struct {
	Proximity *usecases.ProximityService
	NATS      *nats.Conn
	DB        *postgres.DB
	Cache     *valkey.Cache
	// IDField is the default feature property used as target ID.
	IDField string
	Version string
}
