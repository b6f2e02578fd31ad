package ewexport

import "net"

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	// EventClientConnected is emitted when a client is accepted, before its
	// validation heartbeat. A failed validation follows it with
	// EventHeartbeatFailed and EventClientClosed.
	EventClientConnected EventKind = iota
	// EventClientClosed is emitted when an attached client is released.
	EventClientClosed
	// EventAcceptTimeout is emitted when an accept attempt times out.
	EventAcceptTimeout
	// EventHeartbeatFailed is emitted when the background heartbeat fails.
	EventHeartbeatFailed
	// EventExportFailed is emitted when an export write fails.
	EventExportFailed
	// EventTraceBufSplit is emitted when an oversized trace buffer is split.
	EventTraceBufSplit
	// EventInboundMessage is emitted for each frame the client sends back.
	EventInboundMessage
)

var eventNames = [...]string{
	EventClientConnected: "client_connected",
	EventClientClosed:    "client_closed",
	EventAcceptTimeout:   "accept_timeout",
	EventHeartbeatFailed: "heartbeat_failed",
	EventExportFailed:    "export_failed",
	EventTraceBufSplit:   "tracebuf_split",
	EventInboundMessage:  "inbound_message",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event describes something that happened to the exporter's connection.
type Event struct {
	Kind EventKind
	// Addr is the client address, when one is known.
	Addr net.Addr
	// Err is the failure behind the event, if any.
	Err error
	// Chunks is the number of frames a split trace buffer produced.
	Chunks int
	// Message is the inbound message for EventInboundMessage.
	Message *Message
}
