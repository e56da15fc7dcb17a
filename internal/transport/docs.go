// package transport contains implementations to requirements on *message syntaxes*
// defined by http related RFCs, as far as the socket connection needs them.
//
// as of 2022.06, RFCs that were to define HTTP/1.1 (RFC753x) are obsoleted by:
//
//	HTTP Semantics (RFC9110)
//	HTTP Caching (RFC9111) and
//	HTTP/1.1 (RFC9112)
//
// only HTTP/1.1 is spoken here. header fields are kept as ordered pairs
// instead of [net/http.Header] since callers rely on both order and
// the spelling of names.
package transport
