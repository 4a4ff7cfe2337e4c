// Package stream implements the Subscription Multiplexer component.
//
// The Multiplexer:
//   - Reference-counts (symbol, mode) subscriptions across independent
//     consumers so N widgets cost one wire subscription
//   - Queues wire subscribes while unauthenticated and flushes them on
//     the authenticated transition (including after reconnects)
//   - Merges inbound market data field-by-field into a per-symbol cache
//     and fans the updated entry out to registered callbacks
//   - Clears all connection-scoped state when the transport closes
package stream
