// Package worker implements the offline cache controller for a single-page
// application. A Controller is built from an immutable Options value and
// exposes the three lifecycle handlers explicitly: Install populates the
// versioned cache from the static manifest, Activate removes stale caches
// that share the prefix, and Fetch answers intercepted requests cache-first
// with a network fallback and an app-shell fallback for offline navigations.
// The host (see internal/server.Lifecycle) decides when each handler runs.
package worker
