/*
Package dss is the gateway to the DSS metadata store: the relational
tables persisting devices, media, advisory locks and operation logs.

The gateway runs on gorm with two interchangeable backends, SQLite for
single-host deployments and tests, PostgreSQL for shared metadata:

	client, err := dss.Open(cfg.DSS, hostname)

# Locks

Locks are advisory rows unique on (type, id) and scoped by
(hostname, pid). Lock fails with EEXIST while another owner holds the
row; Unlock verifies ownership and fails with EPERM otherwise.
ForceUnlock skips the ownership check and exists solely for startup
reconciliation, after the caller has verified the hostname.

# Operation logs

Every mutation performed through the gateway appends a row to the
op_log table and mirrors it to the structured log, giving operators a
persisted audit trail of lock and status transitions.
*/
package dss
