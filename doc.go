// Package pop3 implements a POP3 mail-retrieval client (RFC 1939) with
// capability negotiation (RFC 2449), STLS (RFC 2595), SASL authentication
// (RFC 5034) and UTF-8 support (RFC 6856).
//
// The Client facade exposes the transaction operations over a single
// serialized session. Independent commands are pipelined into one network
// write when the server advertises PIPELINING. Multi-line payloads are
// available as lazy byte streams, and the protocol trace can be recorded
// with credentials redacted.
package pop3
