// Package server hosts the Fiber HTTP service, the request middleware chain
// and the host registry that turns an inbound request into an absolute target
// URL. Requests whose Host is listed in Hosts are mapped onto the configured
// app origin; every other Host is treated as a forward-proxy target. Keep
// exports narrow and accept explicit dependencies so cmd wiring and tests can
// inject fakes.
package server
