// Package server hosts the Fiber HTTP service and the lifecycle host around
// the offline cache controller. NewApp wires the recover and request-id
// middlewares in front of a single catch-all proxy handler and leaves the
// /-/ prefix to the diagnostics routes. Lifecycle plays the part a browser
// plays for a service worker: it runs install, decides between waiting and
// activating, and switches the controlling controller on Claim.
package server
