package library

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

var bucketElements = []byte("elements")

func init() {
	Register(types.LibTypeDummy, func(cfg *config.Config) (Adapter, error) {
		return NewDummy(cfg.LibDummy.Path)
	})
}

// DummyLibrary simulates a media changer for families without one
// (dir media) and for tests. Its element inventory persists in a
// bbolt file so simulated media survive daemon restarts the way real
// cartridges stay in their slots.
type DummyLibrary struct {
	path string

	mu sync.Mutex
	db *bolt.DB
}

// NewDummy creates a dummy library backed by the given bbolt file
func NewDummy(path string) (*DummyLibrary, error) {
	return &DummyLibrary{path: path}, nil
}

func (d *DummyLibrary) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create library directory: %w", err)
	}
	db, err := bolt.Open(d.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("failed to open library inventory: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketElements)
		return err
	})
	if err != nil {
		db.Close()
		return err
	}
	d.db = db
	return nil
}

func (d *DummyLibrary) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DummyLibrary) handle() (*bolt.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil, xerr.Wrapf(xerr.ENODEV, "library not open")
	}
	return d.db, nil
}

func addrKey(addr uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, addr)
	return key
}

func putElement(b *bolt.Bucket, el *Element) error {
	data, err := json.Marshal(el)
	if err != nil {
		return err
	}
	return b.Put(addrKey(el.Address), data)
}

// EnsureDrive registers a drive element for the given serial, keeping
// an existing one untouched. Returns the element address.
func (d *DummyLibrary) EnsureDrive(serial string) (uint32, error) {
	db, err := d.handle()
	if err != nil {
		return 0, err
	}
	var addr uint32
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)
		var found *Element
		if ferr := forEachElement(b, func(el *Element) error {
			if el.Kind == ElementDrive && el.Serial == serial {
				found = el
			}
			return nil
		}); ferr != nil {
			return ferr
		}
		if found != nil {
			addr = found.Address
			return nil
		}
		addr = nextAddress(b)
		return putElement(b, &Element{Address: addr, Kind: ElementDrive, Serial: serial})
	})
	return addr, err
}

// EnsureMedium registers a slot element holding the given medium,
// keeping an existing one untouched. Returns the element address.
func (d *DummyLibrary) EnsureMedium(mediumID string) (uint32, error) {
	db, err := d.handle()
	if err != nil {
		return 0, err
	}
	var addr uint32
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)
		var found *Element
		if ferr := forEachElement(b, func(el *Element) error {
			if el.Full && el.Medium == mediumID {
				found = el
			}
			return nil
		}); ferr != nil {
			return ferr
		}
		if found != nil {
			addr = found.Address
			return nil
		}
		addr = nextAddress(b)
		return putElement(b, &Element{Address: addr, Kind: ElementSlot, Full: true, Medium: mediumID})
	})
	return addr, err
}

func nextAddress(b *bolt.Bucket) uint32 {
	var max uint32
	cur := b.Cursor()
	if k, _ := cur.Last(); k != nil {
		max = binary.BigEndian.Uint32(k)
	}
	return max + 1
}

func forEachElement(b *bolt.Bucket, fn func(el *Element) error) error {
	return b.ForEach(func(k, v []byte) error {
		var el Element
		if err := json.Unmarshal(v, &el); err != nil {
			return err
		}
		return fn(&el)
	})
}

func (d *DummyLibrary) DriveLookup(ctx context.Context, serial string) (*Element, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	var found *Element
	err = db.View(func(tx *bolt.Tx) error {
		return forEachElement(tx.Bucket(bucketElements), func(el *Element) error {
			if el.Kind == ElementDrive && el.Serial == serial {
				found = el
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, xerr.Wrapf(xerr.ENODEV, "drive %s not in library", serial)
	}
	return found, nil
}

func (d *DummyLibrary) MediaLookup(ctx context.Context, mediumID string) (*Element, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	var found *Element
	err = db.View(func(tx *bolt.Tx) error {
		return forEachElement(tx.Bucket(bucketElements), func(el *Element) error {
			if el.Full && el.Medium == mediumID {
				found = el
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, xerr.Wrapf(xerr.ENOMEDIUM, "medium %s not in library", mediumID)
	}
	return found, nil
}

func (d *DummyLibrary) MediaMove(ctx context.Context, src, dst uint32) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElements)

		srcEl, err := getElement(b, src)
		if err != nil {
			return err
		}
		dstEl, err := getElement(b, dst)
		if err != nil {
			return err
		}
		if !srcEl.Full {
			return xerr.Wrapf(xerr.ENOMEDIUM, "element %d is empty", src)
		}
		if dstEl.Full {
			return xerr.Wrapf(xerr.EBUSY, "element %d is occupied", dst)
		}
		if srcEl.Kind == ElementDrive && dstEl.Kind == ElementDrive {
			// mirror the changer's refusal of direct drive-to-drive
			// transfers
			return xerr.Wrapf(xerr.EBUSY, "drive-to-drive move %d->%d refused", src, dst)
		}

		dstEl.Full = true
		dstEl.Medium = srcEl.Medium
		srcEl.Full = false
		srcEl.Medium = ""

		if err := putElement(b, srcEl); err != nil {
			return err
		}
		return putElement(b, dstEl)
	})
}

func getElement(b *bolt.Bucket, addr uint32) (*Element, error) {
	data := b.Get(addrKey(addr))
	if data == nil {
		return nil, xerr.Wrapf(xerr.EINVAL, "no element at address %d", addr)
	}
	var el Element
	if err := json.Unmarshal(data, &el); err != nil {
		return nil, err
	}
	return &el, nil
}

func (d *DummyLibrary) Scan(ctx context.Context) ([]Element, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	var out []Element
	err = db.View(func(tx *bolt.Tx) error {
		return forEachElement(tx.Bucket(bucketElements), func(el *Element) error {
			out = append(out, *el)
			return nil
		})
	})
	return out, err
}
