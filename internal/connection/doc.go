// Package connection manages the WebSocket link to the data server.
//
// A Client owns exactly one connection: it dials with retry, authenticates,
// echoes server heartbeats, and fans inbound frames out two ways. Frames
// addressed to a session go through the Registry to that session's Handler;
// every data frame is also offered to the Inbound tap channel for consumers
// of the full stream, dropping when the buffer is full.
//
// Sessions register with the Registry before their create packet goes out,
// so a fast server reply can never race the registration.
package connection
