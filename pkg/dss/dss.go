package dss

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Client is the gateway to the DSS metadata store. All device, media
// and lock persistence goes through it; every mutation emits a
// structured operation log.
type Client struct {
	db       *gorm.DB
	hostname string
	logger   zerolog.Logger
}

// Open connects to the configured backend and runs migrations
func Open(cfg config.DSSConfig, hostname string) (*Client, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create DSS directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Path)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown DSS driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open DSS (%s): %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&DeviceRow{}, &MediaRow{}, &LockRow{}, &OpLogRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate DSS schema: %w", err)
	}

	return &Client{
		db:       db,
		hostname: hostname,
		logger:   log.WithComponent("dss"),
	}, nil
}

// OpenMemory opens an in-memory sqlite DSS, used by tests
func OpenMemory(hostname string) (*Client, error) {
	return Open(config.DSSConfig{Driver: "sqlite", Path: ":memory:"}, hostname)
}

// Hostname returns the short hostname this client stamps on locks
func (c *Client) Hostname() string { return c.hostname }

// Close releases the underlying connection pool
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Device operations

// GetDevice fetches one device row
func (c *Client) GetDevice(family types.Family, serial string) (*types.Device, error) {
	var row DeviceRow
	err := c.db.Where("family = ? AND id = ?", string(family), serial).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.Wrapf(xerr.ENXIO, "device %s/%s not found", family, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", serial, err)
	}
	return row.ToDevice(), nil
}

// ListDevices returns all devices of a family bound to a host
func (c *Client) ListDevices(family types.Family, host string) ([]*types.Device, error) {
	var rows []DeviceRow
	if err := c.db.Where("family = ? AND host = ?", string(family), host).
		Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devices := make([]*types.Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, rows[i].ToDevice())
	}
	return devices, nil
}

// AddDevice inserts a device row
func (c *Client) AddDevice(dev *types.Device) error {
	row := DeviceRow{
		Family:    string(dev.Family),
		Serial:    dev.ID,
		Model:     dev.Model,
		Host:      dev.Host,
		AdmStatus: string(dev.AdmStatus),
		Path:      dev.Path,
	}
	if err := c.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add device %s: %w", dev.ID, err)
	}
	c.oplog("device_add", dev.ID, string(dev.AdmStatus))
	return nil
}

// SetDeviceAdmStatus updates the administrative status of a device
func (c *Client) SetDeviceAdmStatus(family types.Family, serial string, status types.AdmStatus) error {
	res := c.db.Model(&DeviceRow{}).
		Where("family = ? AND id = ?", string(family), serial).
		Update("adm_status", string(status))
	if res.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", serial, res.Error)
	}
	if res.RowsAffected == 0 {
		return xerr.Wrapf(xerr.ENXIO, "device %s/%s not found", family, serial)
	}
	c.oplog("device_status", serial, string(status))
	return nil
}

// DeviceExists reports whether any family has a device with this id
func (c *Client) DeviceExists(id string) (bool, error) {
	var count int64
	if err := c.db.Model(&DeviceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to probe device %s: %w", id, err)
	}
	return count > 0, nil
}

// MediumExists reports whether any family has a medium with this id
func (c *Client) MediumExists(id string) (bool, error) {
	var count int64
	if err := c.db.Model(&MediaRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to probe medium %s: %w", id, err)
	}
	return count > 0, nil
}

// Media operations

// GetMedium fetches one media row
func (c *Client) GetMedium(family types.Family, id string) (*types.Medium, error) {
	var row MediaRow
	err := c.db.Where("family = ? AND id = ?", string(family), id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.Wrapf(xerr.ENOMEDIUM, "medium %s/%s not found", family, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get medium %s: %w", id, err)
	}
	return row.ToMedium()
}

// ListMedia returns all media of a family
func (c *Client) ListMedia(family types.Family) ([]*types.Medium, error) {
	var rows []MediaRow
	if err := c.db.Where("family = ?", string(family)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	media := make([]*types.Medium, 0, len(rows))
	for i := range rows {
		m, err := rows[i].ToMedium()
		if err != nil {
			return nil, fmt.Errorf("corrupt stats for medium %s: %w", rows[i].MediaID, err)
		}
		media = append(media, m)
	}
	return media, nil
}

// AddMedium inserts a media row
func (c *Client) AddMedium(m *types.Medium) error {
	row, err := mediaRowFrom(m)
	if err != nil {
		return fmt.Errorf("failed to encode medium %s: %w", m.ID, err)
	}
	if err := c.db.Create(row).Error; err != nil {
		return fmt.Errorf("failed to add medium %s: %w", m.ID, err)
	}
	c.oplog("media_add", m.ID, string(m.FsType))
	return nil
}

// UpdateMedium rewrites the mutable columns of a media row, stats
// included
func (c *Client) UpdateMedium(m *types.Medium) error {
	row, err := mediaRowFrom(m)
	if err != nil {
		return fmt.Errorf("failed to encode medium %s: %w", m.ID, err)
	}
	res := c.db.Model(&MediaRow{}).
		Where("family = ? AND id = ?", row.Family, row.MediaID).
		Updates(map[string]any{
			"adm_status": row.AdmStatus,
			"fs_status":  row.FsStatus,
			"fs_type":    row.FsType,
			"stats_json": row.StatsJSON,
			"tags":       row.Tags,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update medium %s: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return xerr.Wrapf(xerr.ENOMEDIUM, "medium %s/%s not found", m.Family, m.ID)
	}
	c.oplog("media_update", m.ID, string(m.FsStatus))
	return nil
}

// SetMediumAdmStatus updates only the administrative status
func (c *Client) SetMediumAdmStatus(family types.Family, id string, status types.AdmStatus) error {
	res := c.db.Model(&MediaRow{}).
		Where("family = ? AND id = ?", string(family), id).
		Update("adm_status", string(status))
	if res.Error != nil {
		return fmt.Errorf("failed to update medium %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return xerr.Wrapf(xerr.ENOMEDIUM, "medium %s/%s not found", family, id)
	}
	c.oplog("media_status", id, string(status))
	return nil
}
