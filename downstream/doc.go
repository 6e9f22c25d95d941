// Package downstream implements the RPC fabric the bridge calls into.
//
// A Node holds one WebSocket connection to a service gateway. Clients created
// on the node send CBOR encoded request frames addressed to a service topic
// and receive response frames correlated by client GUID and sequence number.
// Node.Spin is the event pump: it reads every inbound frame and routes each
// response to the client that issued the request.
//
// Client methods are safe for concurrent use. SendRequest and ReceiveResponse
// are separate steps, so a caller can submit a request, release everything it
// holds, and wait for the response independently:
//
//	node, err := downstream.Dial(ctx, "ws://gateway:9090/rpc", nodeName)
//	go node.Spin(ctx)
//
//	client, err := downstream.CreateClient[downstream.AddTwoIntsRequest, downstream.AddTwoIntsResponse](
//		node, serviceName, downstream.AddTwoIntsType, qos, qos)
//
//	id, err := client.SendRequest(ctx, downstream.AddTwoIntsRequest{A: 3, B: 4})
//	resp, err := client.ReceiveResponse(ctx, id)
//
// Host is the serving side: an http.Handler that accepts node connections and
// dispatches request frames to registered service functions.
//
// Quality of service is fixed per client at creation. A Reliable profile
// bounds each frame write by MaxBlockingTime; the History setting bounds how
// many undelivered responses are buffered per request, and KeepLast replaces
// older ones.
package downstream
