// Package provider serves a typed request/reply endpoint on the inbound
// messaging fabric.
//
// A Provider declares its endpoint, subscribes to it and hands every decoded
// request to a Handler in its own goroutine. The handler's reply is wrapped in
// an envelope carrying the request's correlation id and published to the
// request's reply address. The transport is abstract; internal/rabbitmq
// provides the AMQP implementation.
package provider
