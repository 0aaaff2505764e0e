// Package transport carries named JSON events over WebSocket connections.
//
// # Frames
//
// Every WebSocket text message is one Frame:
//
//	{"event": "user-message", "id": "f-12", "ack": 3, "data": {...}}
//
// id is optional and lets the receiver suppress redelivered frames. ack is
// optional; when present the server answers with
//
//	{"event": "ack", "ack": 3, "data": {...}}
//
// # Connections
//
// Hub.Serve owns one connection for its whole life: a read loop hands frames
// to the Handler one at a time, a writer goroutine drains the outbound queue
// and a ticker sends keepalive pings. Hub.Send never blocks; when a
// connection's queue is full it is closed as a slow consumer and the peer is
// expected to reconnect and resynchronise.
package transport
