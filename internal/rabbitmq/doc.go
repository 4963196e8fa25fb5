// Package rabbitmq provides the broker side of hapirabbit.
//
// This package includes:
//   - ConnectionManager: Opens one connection with a bounded retry policy and reports lifecycle events
//   - ChannelStore: Creates named channels once and caches them per key
//   - TopologyBuilder: Asserts exchanges and queues and binds them
//   - Consumer: Runs one delivery loop per consumed queue
//   - Send and Decode: The JSON message contract shared by producers and consumers
//
// Connections are never re-established automatically. A broker-initiated close
// moves the manager to StateErrored and publishes an EventError; callers decide
// whether to Connect again.
package rabbitmq
