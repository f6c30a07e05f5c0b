/*
Package types defines the shared data model of the shelf daemon: devices
(drives), media (cartridges or directories), advisory DSS locks, and the
enumerations tying them together.

These are plain data structures. All persistence lives in pkg/dss and
all behavior in pkg/lrs; keeping types dependency-free lets every other
package import it without cycles.
*/
package types
