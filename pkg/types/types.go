package types

import (
	"time"
)

// Family identifies the kind of media a scheduler manages
type Family string

const (
	FamilyTape  Family = "tape"
	FamilyDir   Family = "dir"
	FamilyRados Family = "rados"
)

// FsType identifies the filesystem driver used on a medium
type FsType string

const (
	FsTypePosix FsType = "POSIX"
	FsTypeLTFS  FsType = "LTFS"
	FsTypeRados FsType = "RADOS"
)

// LibType identifies the library (media changer) driver
type LibType string

const (
	LibTypeSCSI  LibType = "SCSI"
	LibTypeRados LibType = "RADOS"
	LibTypeDummy LibType = "DUMMY"
)

// AddressType describes how objects are addressed on a medium
type AddressType string

const (
	AddrTypePath   AddressType = "PATH"
	AddrTypeHash   AddressType = "HASH"
	AddrTypeOpaque AddressType = "OPAQUE"
)

// AdmStatus is the administrative status of a device or medium
type AdmStatus string

const (
	AdmStatusUnlocked AdmStatus = "unlocked"
	AdmStatusLocked   AdmStatus = "locked"
	AdmStatusFailed   AdmStatus = "failed"
)

// OpStatus is the operational status of a device
type OpStatus string

const (
	OpStatusEmpty   OpStatus = "empty"
	OpStatusLoaded  OpStatus = "loaded"
	OpStatusMounted OpStatus = "mounted"
	OpStatusFailed  OpStatus = "failed"
)

// FsStatus is the filesystem status of a medium
type FsStatus string

const (
	FsStatusBlank FsStatus = "blank"
	FsStatusEmpty FsStatus = "empty"
	FsStatusUsed  FsStatus = "used"
	FsStatusFull  FsStatus = "full"
)

// Device represents one drive (transport) known to the daemon
type Device struct {
	ID        string // drive serial number
	Family    Family
	Model     string
	Path      string // OS device path
	Host      string
	AdmStatus AdmStatus
	OpStatus  OpStatus

	// LoadedMedium is the medium currently in the drive, empty when none.
	LoadedMedium string
	// MountPath is set while OpStatus is mounted.
	MountPath string
	// Techno is the technology label derived from the model (e.g. LTO5).
	Techno string
}

// IsUsable reports whether the device can take new work
func (d *Device) IsUsable() bool {
	return d.AdmStatus == AdmStatusUnlocked && d.OpStatus != OpStatusFailed
}

// MediaStats carries usage statistics persisted with each medium
type MediaStats struct {
	NbObj       int64     `json:"nb_obj"`
	LogcSpcUsed int64     `json:"logc_spc_used"`
	PhysSpcUsed int64     `json:"phys_spc_used"`
	PhysSpcFree int64     `json:"phys_spc_free"`
	NbLoad      int64     `json:"nb_load"`
	NbErrors    int64     `json:"nb_errors"`
	LastLoad    time.Time `json:"last_load"`
}

// Medium represents one cartridge or directory
type Medium struct {
	ID        string // barcode or directory path
	Family    Family
	Model     string
	AdmStatus AdmStatus
	FsType    FsType
	AddrType  AddressType
	FsStatus  FsStatus
	Stats     MediaStats
	Tags      []string
}

// IsWritable reports whether the medium can accept new objects
func (m *Medium) IsWritable() bool {
	return m.AdmStatus == AdmStatusUnlocked &&
		(m.FsStatus == FsStatusEmpty || m.FsStatus == FsStatusUsed)
}

// LockType identifies what kind of resource a DSS lock row covers
type LockType string

const (
	LockDevice      LockType = "device"
	LockMedia       LockType = "media"
	LockMediaUpdate LockType = "media_update"
)

// Lock is an advisory DSS lock row, keyed by (Type, ID)
type Lock struct {
	Type      LockType
	ID        string
	Hostname  string
	OwnerPID  int
	Timestamp time.Time
}

// OwnedBy reports whether the lock belongs to the given hostname and pid
func (l *Lock) OwnedBy(hostname string, pid int) bool {
	return l.Hostname == hostname && l.OwnerPID == pid
}

// RequestKind enumerates the client request kinds handled by the core
type RequestKind string

const (
	RequestPing       RequestKind = "ping"
	RequestReadAlloc  RequestKind = "read_alloc"
	RequestWriteAlloc RequestKind = "write_alloc"
	RequestRelease    RequestKind = "release"
	RequestFormat     RequestKind = "format"
	RequestNotify     RequestKind = "notify"
)
