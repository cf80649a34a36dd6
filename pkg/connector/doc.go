// Package connector exposes the cached Discourse user records over a small
// read-only API, keyed by local account id.
package connector
