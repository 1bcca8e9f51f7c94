// Package icap implements the ICAP protocol (RFC 3507) message model:
// headers, start lines, the Encapsulated header, request parsing, and
// response serialization.
//
// The subpackages build a server on top of it: criteria routes requests to
// handlers, session bridges the reqmod and respmod halves of a transaction,
// and server runs the accept loop and transaction pipeline. cmd/icapd is a
// runnable daemon wiring them together.
//
// A minimal service:
//
//	registry := criteria.NewRegistry()
//	registry.Reqmod("filter", criteria.Domain{"*.example.com"},
//		func(ctx context.Context, msg *icap.HTTPMessage) (*icap.HTTPMessage, error) {
//			msg.Headers.Replace("X-Filtered", "yes")
//			return msg, nil
//		})
//	srv := server.New(server.Config{}, registry, nil, server.Hooks{})
//	srv.Serve(ctx)
package icap
