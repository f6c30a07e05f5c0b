/*
Package metrics exposes the daemon's prometheus collectors: devices
and media by state, in-flight sub-requests per kind and technology,
queue depths, sync batch counters and request durations. Register once
at daemon start; the HTTP handler is mounted only when a metrics
address is configured.
*/
package metrics
