package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultDeadLetterExchange receives requests the bridge rejects
const DefaultDeadLetterExchange = "mmate.dlx"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// EndpointTopology is the topology of one request endpoint: a durable queue
// whose rejected messages are dead-lettered to <queue>.dlq. An empty
// deadLetterExchange declares the queue alone.
func EndpointTopology(queue, deadLetterExchange string) Topology {
	if deadLetterExchange == "" {
		return Topology{Queues: []QueueDeclaration{{Name: queue, Durable: true}}}
	}

	dlq := queue + ".dlq"
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: deadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{
				Name:    queue,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    deadLetterExchange,
					"x-dead-letter-routing-key": dlq,
				},
			},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: deadLetterExchange, RoutingKey: dlq},
		},
	}
}

// Validate checks that every declaration is complete
func (t Topology) Validate() error {
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("%w: exchange without a name", ErrInvalidConfiguration)
		}
		switch ex.Type {
		case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
		default:
			return fmt.Errorf("%w: exchange %s has unknown type %q", ErrInvalidConfiguration, ex.Name, ex.Type)
		}
	}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue without a name", ErrInvalidConfiguration)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding needs a queue and an exchange", ErrInvalidConfiguration)
		}
	}
	return nil
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return err
	}

	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
				return &TopologyError{
					Component: "binding",
					Name:      b.Queue + "->" + b.Exchange,
					Op:        "declare",
					Err:       err,
					Timestamp: time.Now(),
				}
			}
		}
		return nil
	})
}

// InspectQueue returns the message and consumer counts of a queue
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}
