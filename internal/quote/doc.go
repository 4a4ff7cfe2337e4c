// Package quote provides the batch snapshot fallback path.
//
// When the streaming feed is down, stale, or paused, consumers still
// need prices. The Client fetches full quotes for a symbol batch over
// REST; the Poller drives it on an interval, pausing while the app is
// hidden and catching up on return to the foreground.
package quote
