// Package grabber defines the job record, its lifecycle state machine, the
// error codes persisted on failed jobs, and the ports (repository, browser
// session, subprocess runner, clock) consumed by the intake, queue,
// extraction, download, and worker packages.
package grabber
