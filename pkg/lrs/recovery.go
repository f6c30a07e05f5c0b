package lrs

import (
	"fmt"

	"github.com/tapeworks/shelf/pkg/types"
)

// Lock recovery: on startup the persisted lock table may still carry
// rows from this host's previous daemon (its pid is gone) and rows
// whose target no longer exists. Both are released; locks held by
// other hosts on live resources are never touched.

// recoverLocks reconciles the DSS lock table before any client
// traffic is accepted. Locks on live targets taken by this very process
// (another family's scheduler started earlier in the same daemon) are
// kept; orphaned locks are released whatever their pid.
func (s *Scheduler) recoverLocks() error {
	hostname := s.dssc.Hostname()

	for _, typ := range []types.LockType{types.LockDevice, types.LockMedia, types.LockMediaUpdate} {
		locks, err := s.dssc.ListLocks(typ)
		if err != nil {
			return err
		}
		for _, lock := range locks {
			live, err := s.targetLive(typ, lock.ID)
			if err != nil {
				return err
			}
			if !live {
				// orphaned: the target is not a live device or medium
				s.logger.Info().
					Str("type", string(typ)).
					Str("target", lock.ID).
					Str("owner", lock.Hostname).
					Msg("Releasing orphaned lock")
				if err := s.dssc.ForceUnlock(typ, lock.ID); err != nil {
					return fmt.Errorf("failed to release orphaned lock %s/%s: %w", typ, lock.ID, err)
				}
				continue
			}
			if lock.Hostname != hostname {
				// another host's lock: leave untouched
				continue
			}
			if lock.OwnerPID == s.pid {
				// taken by this process moments ago
				continue
			}
			// our hostname, a dead predecessor's pid
			s.logger.Info().
				Str("type", string(typ)).
				Str("target", lock.ID).
				Int("stale_pid", lock.OwnerPID).
				Msg("Releasing stale lock from previous instance")
			if err := s.dssc.ForceUnlock(typ, lock.ID); err != nil {
				return fmt.Errorf("failed to release stale lock %s/%s: %w", typ, lock.ID, err)
			}
		}
	}
	return nil
}

// targetLive checks the lock target against the DSS, any family
func (s *Scheduler) targetLive(typ types.LockType, id string) (bool, error) {
	if typ == types.LockDevice {
		return s.dssc.DeviceExists(id)
	}
	return s.dssc.MediumExists(id)
}
