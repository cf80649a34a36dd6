// Package authflow drives the interactive DiscourseConnect handshake: nonce
// issuance, callback validation, session state, the browser intent cookie,
// and the HTTP endpoints binding them together.
package authflow
