// Package discourse implements the DiscourseConnect wire protocol: building
// signed outbound SSO requests, validating and unpacking inbound signed
// responses (including nonce anti-replay), and the small REST surface used
// to push a logout back to the forum.
//
// The protocol is a bespoke HMAC-SHA256 signed query-string exchange. The
// signature is computed over the base64 payload string as transmitted, never
// over the decoded form data.
package discourse
