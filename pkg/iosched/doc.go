/*
Package iosched holds the pluggable dispatch algorithms mapping
allocation sub-requests to device workers.

Three algorithms are recognized:

  - fifo: oldest request first, first matching idle drive wins.
  - grouped_read: coalesces reads of one medium onto the drive already
    serving it, amortizing mounts.
  - fair_share: bounds in-flight work per technology per kind between
    configured minima and maxima. Work refused at its maximum stays
    queued and keeps any medium lock it already holds.

The package sees devices only through the small Device interface and
never imports the scheduler, keeping the dependency arrow one-way.
*/
package iosched
