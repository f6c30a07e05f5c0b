/*
Package protocol defines the client wire format: one byte protocol
version (0x01), a big-endian length, then an XDR-encoded envelope
carrying the request id, the message kind and the kind-specific body.

A client sends exactly one request per frame and receives exactly one
response per frame. A version mismatch answers EPROTONOSUPPORT and
leaves the connection open; malformed frames answer EINVAL.
*/
package protocol
