package messagestore

import "context"

// Store is the query surface over the persistent state database. Polaris
// never writes through this interface directly — writes happen by
// re-publishing to the bus, which the delivery component then reflects back
// into the state database out of Polaris' scope.
type Store interface {
	Query(ctx context.Context, q Query) ([]*Coord, error)
}
