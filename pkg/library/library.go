package library

import (
	"context"
	"sync"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// ElementKind classifies a changer element
type ElementKind string

const (
	ElementDrive  ElementKind = "drive"
	ElementSlot   ElementKind = "slot"
	ElementImpExp ElementKind = "impexp"
)

// Element is one addressable location inside the library
type Element struct {
	Address uint32
	Kind    ElementKind
	Full    bool
	// Medium is the barcode of the occupying medium, when Full.
	Medium string
	// Serial identifies the drive, drive elements only.
	Serial string
}

// Adapter abstracts the media changer of one library type.
//
// Implementations are safe for use by multiple device workers; moves
// targeting distinct elements may proceed concurrently subject to the
// transport's own serialization.
type Adapter interface {
	// Open prepares the changer handle.
	Open(ctx context.Context) error

	// Close releases the changer handle.
	Close() error

	// DriveLookup resolves a drive serial to its element.
	DriveLookup(ctx context.Context, serial string) (*Element, error)

	// MediaLookup resolves a medium barcode to its element.
	MediaLookup(ctx context.Context, mediumID string) (*Element, error)

	// MediaMove transfers a medium between two element addresses. A
	// refused drive-to-drive transfer reports EBUSY so callers retry
	// once the source drive has unloaded.
	MediaMove(ctx context.Context, src, dst uint32) error

	// Scan returns the full element inventory.
	Scan(ctx context.Context) ([]Element, error)
}

// Constructor builds an adapter from the daemon configuration
type Constructor func(cfg *config.Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[types.LibType]Constructor)
)

// Register binds a constructor to a library type
func Register(libType types.LibType, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[libType] = ctor
}

// New builds the adapter for a library type, ENODEV when none is
// registered.
func New(libType types.LibType, cfg *config.Config) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[libType]
	registryMu.RUnlock()
	if !ok {
		return nil, xerr.Wrapf(xerr.ENODEV, "no library adapter for %s", libType)
	}
	return ctor(cfg)
}

// ForFamily maps a media family to its library type
func ForFamily(family types.Family) types.LibType {
	switch family {
	case types.FamilyTape:
		return types.LibTypeSCSI
	case types.FamilyRados:
		return types.LibTypeRados
	default:
		return types.LibTypeDummy
	}
}
