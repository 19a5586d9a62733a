// Package broker is the client side of the broker protocol: one persistent
// connection per process, a reader loop that demultiplexes inbound records
// into the correlation registry, and the request/response, lock,
// notification, port brokering and attribute calls built on top of it.
package broker
