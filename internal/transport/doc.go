// Package transport moves framed envelopes between zones.
//
// Ownership boundary:
// - Link contract used by the orchestrator
// - in-process hub with per-recipient FIFO ports
// - socket links (zone.attach handshake, then frames) bridged onto the hub
package transport
