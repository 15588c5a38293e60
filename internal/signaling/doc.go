// Package signaling terminates the /ws WebSocket surface: it parses
// client messages, drives the session registry and presence tracker,
// and hands negotiation envelopes to the relay.
package signaling
