package provider

import "context"

// Delivery is one inbound message awaiting settlement
type Delivery interface {
	Body() []byte
	MessageID() string
	CorrelationID() string
	ReplyTo() string
	Ack() error
	Reject(requeue bool) error
}

// DeliveryHandler receives deliveries from a subscription
type DeliveryHandler func(ctx context.Context, d Delivery)

// Transport is the inbound fabric as seen by a Provider
type Transport interface {
	// DeclareEndpoint creates the named endpoint if it does not exist
	DeclareEndpoint(ctx context.Context, name string) error
	// Subscribe delivers messages from the endpoint until Unsubscribe or ctx ends
	Subscribe(ctx context.Context, name string, handler DeliveryHandler) error
	Unsubscribe(name string) error
	// PublishReply sends body to a reply address
	PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error
}
