/*
Package library abstracts the media changer behind the Adapter
interface: element lookups, media moves and inventory scans.

Two adapters are registered. SCSI reaches a real changer through the
tape library controller (see pkg/tlc), which multiplexes SCSI access
among daemons; refused drive-to-drive transfers surface as EBUSY so
the caller retries once the source drive unloads. DUMMY simulates a
changer for dir-family media and tests, persisting its slot and drive
inventory in a bbolt file so simulated media keep their positions
across restarts.
*/
package library
