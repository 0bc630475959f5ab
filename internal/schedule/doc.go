// Package schedule runs the weekly timetable. A minute-level cron loop
// matches timetable entries against the current weekday and clock time,
// triggers the corresponding strategies at most once per calendar day, and
// re-dispatches retry items whose backoff has elapsed.
package schedule
