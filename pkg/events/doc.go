/*
Package events provides a lightweight publish/subscribe broker for
scheduler events: device additions and removals, medium state changes,
scheduler lifecycle. Slow subscribers are skipped rather than blocking
the distribution loop.
*/
package events
