// Package proxy connects intercepted HTTP requests to the offline cache
// controller. Handler turns a Fiber request into a worker.Request and writes
// the controller's Result back; Network implements worker.Network over the
// shared upstream http.Client.
package proxy
