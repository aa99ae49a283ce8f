// Package protocol defines the wire-level vocabulary of the tool-invocation
// protocol: revision identifiers ("YYYY-MM"), capability sets, the coded
// error taxonomy, and the request/response payloads for every method.
//
// The package is deliberately free of transport and engine concerns so that
// every layer of the server shares one source of truth for what travels on
// the wire.
package protocol
