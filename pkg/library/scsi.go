package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/tlc"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

func init() {
	Register(types.LibTypeSCSI, func(cfg *config.Config) (Adapter, error) {
		return &scsiAdapter{
			client: tlc.NewClient(cfg.TLC, cfg.SCSI),
			scsi:   cfg.SCSI,
		}, nil
	})
}

// scsiAdapter reaches the media changer through the tape library
// controller. The TLC multiplexes SCSI access to the changer across
// daemons; this adapter only frames requests and classifies errors.
type scsiAdapter struct {
	client *tlc.Client
	scsi   config.SCSIConfig
}

func (a *scsiAdapter) timeout(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (a *scsiAdapter) Open(ctx context.Context) error {
	return a.client.Connect()
}

func (a *scsiAdapter) Close() error {
	return a.client.Close()
}

func (a *scsiAdapter) DriveLookup(ctx context.Context, serial string) (*Element, error) {
	resp, err := a.client.Call(
		&tlc.Request{Op: tlc.OpDriveLookup, Serial: serial},
		a.timeout(a.scsi.QueryTimeoutMS, time.Second),
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Elements) == 0 {
		return nil, xerr.Wrapf(xerr.ENODEV, "drive %s not in library", serial)
	}
	el := fromWire(resp.Elements[0])
	return &el, nil
}

func (a *scsiAdapter) MediaLookup(ctx context.Context, mediumID string) (*Element, error) {
	resp, err := a.client.Call(
		&tlc.Request{Op: tlc.OpMediaLookup, Medium: mediumID},
		a.timeout(a.scsi.QueryTimeoutMS, time.Second),
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Elements) == 0 {
		return nil, xerr.Wrapf(xerr.ENOMEDIUM, "medium %s not in library", mediumID)
	}
	el := fromWire(resp.Elements[0])
	return &el, nil
}

func (a *scsiAdapter) MediaMove(ctx context.Context, src, dst uint32) error {
	_, err := a.client.Call(
		&tlc.Request{Op: tlc.OpMediaMove, Source: src, Dest: dst},
		a.timeout(a.scsi.MoveTimeoutMS, 5*time.Minute),
	)
	if err != nil && errors.Is(err, xerr.EINVAL) {
		// the changer refuses direct drive-to-drive transfers; report
		// busy so the move is retried once the source drive unloads
		if a.bothDrives(ctx, src, dst) {
			return xerr.Wrap(xerr.EBUSY, fmt.Errorf("drive-to-drive move %d->%d refused", src, dst))
		}
	}
	return err
}

func (a *scsiAdapter) bothDrives(ctx context.Context, src, dst uint32) bool {
	elements, err := a.Scan(ctx)
	if err != nil {
		return false
	}
	drives := 0
	for _, el := range elements {
		if el.Kind == ElementDrive && (el.Address == src || el.Address == dst) {
			drives++
		}
	}
	return drives == 2
}

func (a *scsiAdapter) Scan(ctx context.Context) ([]Element, error) {
	var (
		out   []Element
		start uint32
	)
	for {
		resp, err := a.client.Call(
			&tlc.Request{
				Op:           tlc.OpScan,
				MaxElements:  uint32(a.scsi.MaxElementStatus),
				StartAddress: start,
			},
			a.timeout(a.scsi.QueryTimeoutMS, time.Second),
		)
		if err != nil {
			return nil, err
		}
		for _, el := range resp.Elements {
			out = append(out, fromWire(el))
		}
		if !resp.More || len(resp.Elements) == 0 {
			return out, nil
		}
		start = resp.Elements[len(resp.Elements)-1].Address + 1
	}
}

func fromWire(el tlc.Element) Element {
	kind := ElementSlot
	switch el.Type {
	case tlc.ElementDrive:
		kind = ElementDrive
	case tlc.ElementImpExp:
		kind = ElementImpExp
	}
	return Element{
		Address: el.Address,
		Kind:    kind,
		Full:    el.Full,
		Medium:  el.Medium,
		Serial:  el.Serial,
	}
}
