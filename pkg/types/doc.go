/*
Package types defines the core data structures used throughout NodeNexus.

This package contains the fundamental types that represent the domain model,
including hosts, performance snapshots, service monitors, alert rules, batch
commands, renewals, and the agent configuration shape. These types are shared
by the storage layer, the fleet runtime, and the API surface.

The package also defines the error taxonomy. All store-layer failures wrap
ErrStorage; boundary failures map onto ErrNotFound, ErrInvalidInput,
ErrUnauthorized, and ErrConflict, which the HTTP layer translates into
status codes.
*/
package types
