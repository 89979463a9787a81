// Package cache implements the named, persistent cache storage that backs the
// app shell. A Storage holds any number of independently named Stores; each
// Store maps a request identity (method + absolute URL) to a stored response
// blob (status, headers, body). Backends are interchangeable: a directory
// tree on disk, a Redis hash per store, or SQLite tables. PutAll is
// all-or-nothing on every backend so provisioning never leaves a partial
// store behind.
package cache
