package downstream

import "context"

// AddTwoIntsType is the service interface the bridge calls
var AddTwoIntsType = ServiceTypeName{Package: "example_interfaces", Name: "AddTwoInts"}

// AddTwoIntsRequest carries the two addends
type AddTwoIntsRequest struct {
	A int64 `cbor:"a"`
	B int64 `cbor:"b"`
}

// AddTwoIntsResponse carries the sum
type AddTwoIntsResponse struct {
	Sum int64 `cbor:"sum"`
}

// AddTwoInts is the reference service implementation. Overflow wraps.
func AddTwoInts(_ context.Context, req AddTwoIntsRequest) (AddTwoIntsResponse, error) {
	return AddTwoIntsResponse{Sum: req.A + req.B}, nil
}
