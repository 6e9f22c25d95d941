package downstream

import (
	"fmt"
	"strings"
	"time"
)

// Name is a namespaced graph name
type Name struct {
	Namespace string
	Base      string
}

// NodeName names the node a client runs on
type NodeName struct {
	Namespace string
	Base      string
}

// NewName validates and builds a graph name
func NewName(namespace, base string) (Name, error) {
	if err := validateName(namespace, base); err != nil {
		return Name{}, err
	}
	return Name{Namespace: namespace, Base: base}, nil
}

// NewNodeName validates and builds a node name
func NewNodeName(namespace, base string) (NodeName, error) {
	if err := validateName(namespace, base); err != nil {
		return NodeName{}, fmt.Errorf("invalid node name: %w", err)
	}
	return NodeName{Namespace: namespace, Base: base}, nil
}

// FullName returns the absolute name
func (n Name) FullName() string {
	return joinName(n.Namespace, n.Base)
}

func (n Name) String() string {
	return n.FullName()
}

// FullName returns the absolute node name
func (n NodeName) FullName() string {
	return joinName(n.Namespace, n.Base)
}

func (n NodeName) String() string {
	return n.FullName()
}

func joinName(namespace, base string) string {
	if namespace == "/" {
		return "/" + base
	}
	return namespace + "/" + base
}

func validateName(namespace, base string) error {
	if !strings.HasPrefix(namespace, "/") {
		return fmt.Errorf("namespace %q must be absolute", namespace)
	}
	if namespace != "/" {
		if strings.HasSuffix(namespace, "/") {
			return fmt.Errorf("namespace %q must not end with a slash", namespace)
		}
		for _, token := range strings.Split(namespace[1:], "/") {
			if err := validateToken(token); err != nil {
				return fmt.Errorf("namespace %q: %w", namespace, err)
			}
		}
	}
	if err := validateToken(base); err != nil {
		return fmt.Errorf("base name %q: %w", base, err)
	}
	return nil
}

func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("empty name token")
	}
	if token[0] >= '0' && token[0] <= '9' {
		return fmt.Errorf("token %q starts with a digit", token)
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("token %q contains %q", token, r)
		}
	}
	return nil
}

// ServiceTypeName identifies a service interface, e.g. example_interfaces/AddTwoInts
type ServiceTypeName struct {
	Package string
	Name    string
}

// ParseServiceTypeName parses "package/Name" or "package/srv/Name"
func ParseServiceTypeName(s string) (ServiceTypeName, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return ServiceTypeName{Package: parts[0], Name: parts[1]}, nil
	case len(parts) == 3 && parts[1] == "srv" && parts[0] != "" && parts[2] != "":
		return ServiceTypeName{Package: parts[0], Name: parts[2]}, nil
	default:
		return ServiceTypeName{}, fmt.Errorf("invalid service type name %q", s)
	}
}

// String returns the wire form package/srv/Name
func (t ServiceTypeName) String() string {
	return t.Package + "/srv/" + t.Name
}

// ServiceMapping selects how service names map onto request and response topics
type ServiceMapping int

const (
	// Enhanced uses distinct rq/<name>Request and rr/<name>Reply topics
	Enhanced ServiceMapping = iota
	// Basic uses the service name for both directions
	Basic
)

// ParseServiceMapping parses "enhanced" or "basic"
func ParseServiceMapping(s string) (ServiceMapping, error) {
	switch strings.ToLower(s) {
	case "", "enhanced":
		return Enhanced, nil
	case "basic":
		return Basic, nil
	default:
		return Enhanced, fmt.Errorf("unknown service mapping %q", s)
	}
}

func (m ServiceMapping) String() string {
	switch m {
	case Enhanced:
		return "enhanced"
	case Basic:
		return "basic"
	default:
		return fmt.Sprintf("ServiceMapping(%d)", int(m))
	}
}

// Topics returns the request and response topics for a service
func (m ServiceMapping) Topics(service Name) (request, response string) {
	if m == Basic {
		return service.FullName(), service.FullName()
	}
	return "rq" + service.FullName() + "Request", "rr" + service.FullName() + "Reply"
}

// Reliability selects the delivery guarantee for frame writes
type Reliability int

const (
	// BestEffort writes without waiting for the connection to drain
	BestEffort Reliability = iota
	// Reliable blocks a write for at most MaxBlockingTime
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "best_effort"
}

// History selects how undelivered responses are buffered
type History int

const (
	// KeepLast keeps only the newest Depth responses
	KeepLast History = iota
	// KeepAll buffers up to keepAllDepth responses
	KeepAll
)

func (h History) String() string {
	if h == KeepAll {
		return "keep_all"
	}
	return "keep_last"
}

// keepAllDepth bounds KeepAll buffers
const keepAllDepth = 64

// bestEffortWriteTimeout stops a best effort write from stalling forever on a dead peer
const bestEffortWriteTimeout = 10 * time.Millisecond

// QoSProfile is the quality of service for one direction of a client
type QoSProfile struct {
	Reliability     Reliability
	MaxBlockingTime time.Duration
	History         History
	Depth           int
}

// DefaultServiceQoS is reliable delivery with a 100ms blocking bound and keep-last-1 history
func DefaultServiceQoS() QoSProfile {
	return QoSProfile{
		Reliability:     Reliable,
		MaxBlockingTime: 100 * time.Millisecond,
		History:         KeepLast,
		Depth:           1,
	}
}

// Validate checks the profile for consistency
func (q QoSProfile) Validate() error {
	if q.Reliability == Reliable && q.MaxBlockingTime <= 0 {
		return fmt.Errorf("reliable QoS requires a positive max blocking time")
	}
	if q.History == KeepLast && q.Depth < 1 {
		return fmt.Errorf("keep-last QoS requires depth >= 1, got %d", q.Depth)
	}
	return nil
}

func (q QoSProfile) bufferSize() int {
	if q.History == KeepAll {
		return keepAllDepth
	}
	return q.Depth
}

func (q QoSProfile) writeTimeout() time.Duration {
	if q.Reliability == Reliable {
		return q.MaxBlockingTime
	}
	return bestEffortWriteTimeout
}

// RequestID correlates a response with the request that produced it
type RequestID struct {
	ClientGUID string
	Sequence   int64
}

func (id RequestID) String() string {
	return fmt.Sprintf("%s#%d", id.ClientGUID, id.Sequence)
}
