/*
Package tlc speaks to the tape library controller: the remote service
multiplexing SCSI access to a media changer. Requests and responses
are framed the same way as the client protocol (version byte, length,
XDR payload) over a single TCP bytestream; calls are serialized and
bounded by the per-operation timeouts of the SCSI configuration.
*/
package tlc
