// Package webhook ingests Discourse webhook deliveries: source allowlisting,
// body signature verification, and reconciliation of user lifecycle events
// against the linked local accounts.
package webhook
