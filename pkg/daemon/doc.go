/*
Package daemon is the shell around the per-family schedulers: startup
mutual exclusion (flock-ed lockfile), pidfile management, the client
listener, the request router and the signal-driven shutdown sequencer.

Startup order matters: the lockfile is taken first (a second instance
fails with EEXIST), then the DSS opens, then every scheduler finishes
its lock reconciliation, and only then does the listener accept
clients.

Shutdown is bounded to ten seconds: the listener closes, queued
requests are cancelled with ECANCELED, workers drain their in-flight
work and pending syncs, locks are released, and the pidfile and
lockfile are removed. Past the deadline the daemon exits unclean and
the next start's reconciliation cleans up.
*/
package daemon
