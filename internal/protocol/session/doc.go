// Package session owns zone link session helpers.
//
// Ownership boundary:
// - zone.attach control messages for socket links
// - pending action call correlation
// - retry/backoff and link reliability defaults
// - TLS settings for socket links
package session
