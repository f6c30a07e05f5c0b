/*
Package fsa abstracts the filesystem driver of a medium behind the
Adapter interface: mount, umount, format, df, mounted, label and sync.

Drivers register themselves by filesystem type. POSIX serves dir-family
media (the medium is a directory, exposed through a symlink at the
mount point); LTFS shells out to the platform LTFS tooling, with the
mount command overridable from configuration. RADOS is a recognized
enum value without a driver; selecting it fails with ENODEV.
*/
package fsa
