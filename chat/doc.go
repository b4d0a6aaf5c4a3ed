// Package chat is the per-room real-time side of the client.
//
// A RoomChat loads the room's history through the REST pipeline, opens a
// StreamClient WebSocket to {WS_BASE_URL}/ws/chat/{roomId}, and feeds both into
// a Reconciler: history sorted by creation time, then live messages in arrival
// order. History failures degrade to an empty log. Malformed frames are shown
// with their raw payload instead of being dropped. A transport failure closes
// the stream; it is reopened only when the owner asks (RoomChat.Reconnect or
// StreamClient.Open).
package chat
