package dss

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Lock acquires the (typ, id) advisory lock for this host and pid.
// Returns EEXIST when another owner already holds it.
func (c *Client) Lock(typ types.LockType, id string, pid int) error {
	row := LockRow{
		Type:      string(typ),
		TargetID:  id,
		Hostname:  c.hostname,
		Owner:     pid,
		Timestamp: time.Now().UTC(),
	}
	err := c.db.Create(&row).Error
	if err != nil {
		if isDuplicateKey(err) {
			return xerr.Wrapf(xerr.EEXIST, "%s %s already locked", typ, id)
		}
		return fmt.Errorf("failed to lock %s %s: %w", typ, id, err)
	}
	c.oplog("lock", fmt.Sprintf("%s:%s", typ, id), fmt.Sprintf("pid=%d", pid))
	return nil
}

// Unlock releases the (typ, id) lock. Only the holder, matching
// hostname and pid, may release; anyone else gets EPERM.
func (c *Client) Unlock(typ types.LockType, id string, pid int) error {
	res := c.db.Where("type = ? AND id = ? AND hostname = ? AND owner = ?",
		string(typ), id, c.hostname, pid).Delete(&LockRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to unlock %s %s: %w", typ, id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := c.GetLock(typ, id); err == nil {
			return xerr.Wrapf(xerr.EPERM, "%s %s is locked by another owner", typ, id)
		}
		return xerr.Wrapf(xerr.ENOENT, "%s %s is not locked", typ, id)
	}
	c.oplog("unlock", fmt.Sprintf("%s:%s", typ, id), fmt.Sprintf("pid=%d", pid))
	return nil
}

// ForceUnlock releases the (typ, id) lock regardless of owner pid.
// Reserved for startup reconciliation; callers must have verified the
// hostname themselves.
func (c *Client) ForceUnlock(typ types.LockType, id string) error {
	res := c.db.Where("type = ? AND id = ?", string(typ), id).Delete(&LockRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to force-unlock %s %s: %w", typ, id, res.Error)
	}
	c.oplog("force_unlock", fmt.Sprintf("%s:%s", typ, id), "")
	return nil
}

// GetLock fetches the lock row for (typ, id), ENOENT when absent
func (c *Client) GetLock(typ types.LockType, id string) (*types.Lock, error) {
	var row LockRow
	err := c.db.Where("type = ? AND id = ?", string(typ), id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerr.Wrapf(xerr.ENOENT, "no %s lock on %s", typ, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock %s %s: %w", typ, id, err)
	}
	return row.ToLock(), nil
}

// ListLocks returns every lock row of the given type, any hostname
func (c *Client) ListLocks(typ types.LockType) ([]*types.Lock, error) {
	var rows []LockRow
	if err := c.db.Where("type = ?", string(typ)).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s locks: %w", typ, err)
	}
	locks := make([]*types.Lock, 0, len(rows))
	for i := range rows {
		locks = append(locks, rows[i].ToLock())
	}
	return locks, nil
}

// isDuplicateKey recognizes the unique-constraint violations of both
// supported backends without importing their driver error types.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// oplog records one mutation in the op_log table and mirrors it to the
// structured log. Failures to persist the log entry are not propagated:
// the primary mutation already happened.
func (c *Client) oplog(action, target, detail string) {
	row := OpLogRow{
		OpID:     uuid.NewString(),
		Action:   action,
		Target:   target,
		Detail:   detail,
		Hostname: c.hostname,
	}
	if err := c.db.Create(&row).Error; err != nil {
		c.logger.Warn().Err(err).Str("action", action).Msg("Failed to persist op log entry")
	}
	c.logger.Debug().
		Str("op_id", row.OpID).
		Str("action", action).
		Str("target", target).
		Str("detail", detail).
		Msg("DSS operation")
}
