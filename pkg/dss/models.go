package dss

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tapeworks/shelf/pkg/types"
)

// DeviceRow is the persisted form of a device
type DeviceRow struct {
	Family    string `gorm:"primaryKey;size:16"`
	Serial    string `gorm:"primaryKey;size:64;column:id"`
	Model     string `gorm:"size:64"`
	Host      string `gorm:"size:255;index"`
	AdmStatus string `gorm:"size:16"`
	Path      string `gorm:"size:255"`
	UpdatedAt time.Time
}

// TableName overrides gorm's pluralization
func (DeviceRow) TableName() string { return "device" }

// ToDevice converts the row to the domain type. Operational status is
// runtime state owned by the worker, so it starts empty.
func (r *DeviceRow) ToDevice() *types.Device {
	return &types.Device{
		ID:        r.Serial,
		Family:    types.Family(r.Family),
		Model:     r.Model,
		Path:      r.Path,
		Host:      r.Host,
		AdmStatus: types.AdmStatus(r.AdmStatus),
		OpStatus:  types.OpStatusEmpty,
	}
}

// MediaRow is the persisted form of a medium
type MediaRow struct {
	Family      string `gorm:"primaryKey;size:16"`
	MediaID     string `gorm:"primaryKey;size:255;column:id"`
	Model       string `gorm:"size:64"`
	AdmStatus   string `gorm:"size:16"`
	FsType      string `gorm:"size:16"`
	AddressType string `gorm:"size:16"`
	FsStatus    string `gorm:"size:16"`
	StatsJSON   string `gorm:"column:stats_json;type:text"`
	Tags        string `gorm:"type:text"`
	UpdatedAt   time.Time
}

// TableName overrides gorm's pluralization
func (MediaRow) TableName() string { return "media" }

// ToMedium converts the row to the domain type
func (r *MediaRow) ToMedium() (*types.Medium, error) {
	m := &types.Medium{
		ID:        r.MediaID,
		Family:    types.Family(r.Family),
		Model:     r.Model,
		AdmStatus: types.AdmStatus(r.AdmStatus),
		FsType:    types.FsType(r.FsType),
		AddrType:  types.AddressType(r.AddressType),
		FsStatus:  types.FsStatus(r.FsStatus),
	}
	if r.StatsJSON != "" {
		if err := json.Unmarshal([]byte(r.StatsJSON), &m.Stats); err != nil {
			return nil, err
		}
	}
	if r.Tags != "" {
		m.Tags = strings.Split(r.Tags, ",")
	}
	return m, nil
}

func mediaRowFrom(m *types.Medium) (*MediaRow, error) {
	stats, err := json.Marshal(&m.Stats)
	if err != nil {
		return nil, err
	}
	return &MediaRow{
		Family:      string(m.Family),
		MediaID:     m.ID,
		Model:       m.Model,
		AdmStatus:   string(m.AdmStatus),
		FsType:      string(m.FsType),
		AddressType: string(m.AddrType),
		FsStatus:    string(m.FsStatus),
		StatsJSON:   string(stats),
		Tags:        strings.Join(m.Tags, ","),
	}, nil
}

// LockRow is an advisory lock, unique on (type, id)
type LockRow struct {
	Type      string `gorm:"primaryKey;size:16"`
	TargetID  string `gorm:"primaryKey;size:255;column:id"`
	Hostname  string `gorm:"size:255;index"`
	Owner     int    `gorm:"column:owner"`
	Timestamp time.Time
}

// TableName overrides gorm's pluralization
func (LockRow) TableName() string { return "lock" }

// ToLock converts the row to the domain type
func (r *LockRow) ToLock() *types.Lock {
	return &types.Lock{
		Type:      types.LockType(r.Type),
		ID:        r.TargetID,
		Hostname:  r.Hostname,
		OwnerPID:  r.Owner,
		Timestamp: r.Timestamp,
	}
}

// OpLogRow records one state mutation performed through the gateway
type OpLogRow struct {
	OpID      string `gorm:"primaryKey;size:36"`
	Action    string `gorm:"size:32;index"`
	Target    string `gorm:"size:255"`
	Detail    string `gorm:"type:text"`
	Hostname  string `gorm:"size:255"`
	CreatedAt time.Time
}

// TableName overrides gorm's pluralization
func (OpLogRow) TableName() string { return "op_log" }
