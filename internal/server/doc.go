// Package server exposes the chat service over HTTP.
//
// REST operations are registered with huma on a chi router; live delivery is
// offered both as Server-Sent Events and over WebSocket. Each WebSocket client
// runs a read pump that accepts send frames and a write pump that drains its
// hub stream.
package server
