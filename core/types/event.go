package types

// Event represents a typed event emitted during ledger state transitions.
// Attributes are stringly typed so downstream consumers (RPC, indexers, audit
// sinks) can decode them without importing engine packages.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
