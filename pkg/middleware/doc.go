// Package middleware provides the HTTP middleware chain: request ids,
// structured access logging, panic recovery, and Redis-backed rate limiting
// for the auth endpoints.
package middleware
