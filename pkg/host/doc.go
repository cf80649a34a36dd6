// Package host defines the contract between the SSO engine and the system
// whose accounts it manages: the user directory, post-auth notification
// hooks, and a SQL-backed directory for standalone deployments.
package host
