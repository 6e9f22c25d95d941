// Package relay converts inbound Translation2D requests into AddTwoInts calls
// on the downstream fabric and turns the result into a Translation1D reply.
//
// Every request ends in exactly one terminal State. Failures never escape the
// handler: a failed send or receive produces the sentinel reply, which has no
// timestamp and an x of 0. A successful sum of 0 also has x 0, so callers must
// check the timestamp to tell the two apart.
//
//	handler, err := relay.NewHandler(client,
//	    relay.WithLogger(logger),
//	    relay.WithMetrics(collector),
//	)
//	reply, _ := handler.Handle(ctx, contracts.Translation2D{X: 3, Y: 4})
package relay
