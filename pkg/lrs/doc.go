/*
Package lrs implements the local resource scheduler: the core that
brokers a small pool of physical drives among concurrent clients,
mounts and unmounts removable media, and persists lifecycle state in
the DSS.

# Architecture

One Scheduler runs per media family. It owns the device workers, an
incoming queue, a retry queue and a response queue:

	          client frames (router)
	                  │
	                  ▼
	       ┌─────────────────────┐
	       │   incoming queue    │◀── requests that could not be
	       └──────────┬──────────┘    placed stay here
	                  │
	   retry queue ───┤  (retries outrank fresh arrivals)
	                  ▼
	       ┌─────────────────────┐
	       │      dispatch       │  fifo / grouped_read / fair_share
	       └──────────┬──────────┘
	                  │ sub-requests, one per medium
	     ┌────────────┼────────────┐
	     ▼            ▼            ▼
	┌─────────┐  ┌─────────┐  ┌─────────┐
	│ worker  │  │ worker  │  │ worker  │   one per drive
	│  drv0   │  │  drv1   │  │  drv2   │
	└────┬────┘  └────┬────┘  └────┬────┘
	     └────────────┼────────────┘
	                  ▼
	          response queue ──▶ router ──▶ clients

# Device workers

Each worker is a single goroutine owning its drive's state machine:

	EMPTY ──load──▶ LOADED ──mount──▶ MOUNTED
	  ▲               │   ◀──umount────┘
	  └──unload───────┘

FAILED is a sink reachable from any state on terminal error. Other
threads publish into the worker (pending sub-request slot, sync list,
stop flag) under the device mutex and signal; all library, filesystem
and DSS side-effects touching the drive happen on the worker
goroutine.

# Sync batching

Client releases are accumulated per device and flushed together when a
threshold trips (entry count, age, written bytes) or when the worker or
daemon is stopping. A release that reports a client error forces the
batch out without a physical sync and quarantines the medium.

# Lock recovery

On startup the scheduler reconciles the persisted lock table: locks
left by this host's previous daemon are released together with orphaned
locks whose target no longer exists. Locks held by other hosts on live
resources are never touched. Client traffic is only accepted after
reconciliation.
*/
package lrs
