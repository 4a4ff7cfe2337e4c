// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single streaming transport for the whole process
//   - Runs the Disconnected → Connecting → AwaitingAuth → Authenticated
//     state machine, with Paused parked to the side
//   - Fetches credentials fresh on every connect (tokens rotate)
//   - Reconnects with exponential backoff and jitter on unclean close
//   - Broadcasts state transitions synchronously, in order
package connection
