/*
Package kafka provides a client for Kafka 0.8.2 to 0.10.x brokers.

A Client keeps one multiplexed connection per broker, caches the cluster metadata and routes
every partition request to the partition's leader, refreshing the metadata and retrying when
leadership moves. On top of it the Producer batches messages per partition and the Consumer
fetches them back in offset order.

The wire format lives in the protocol package, which can also be used on its own for exact
control over what goes on the wire.
*/
package kafka

import (
	"io"
	"log"
)

// Logger is the instance of a StdLogger interface that kwire writes connection
// management events to. By default it is set to discard all log messages via io.Discard,
// but you can set it to redirect wherever you want.
var Logger StdLogger = log.New(io.Discard, "[kwire] ", log.LstdFlags)

// StdLogger is used to log error messages.
type StdLogger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// PanicHandler is called for recovering from panics spawned internally to the library (and thus
// not recoverable by the caller's goroutine). Defaults to nil, which means panics are not recovered.
var PanicHandler func(interface{})
