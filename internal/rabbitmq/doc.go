// Package rabbitmq is the AMQP 0-9-1 side of the bridge.
//
// It contains:
//   - ConnectionManager: one broker connection with reconnection and state listeners
//   - ChannelPool: pooled channels for publishing and topology work
//   - Publisher: confirmed publishes, used for replies
//   - Consumer: manual-ack consumers that resubscribe after a reconnect
//   - TopologyManager: endpoint queues and their dead letter queues
//   - Transport: all of the above behind provider.Transport
package rabbitmq
