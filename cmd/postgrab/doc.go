// Command postgrab grabs videos and cover images from social-media post URLs.
//
// Architecture overview:
//   - Intake: `postgrab submit` and POST /v1/jobs validate the URL against the
//     platform table, canonicalize it and create a queued job unless an active
//     job already owns the canonical URL.
//   - Queue: workers claim the oldest queued job atomically in the job store
//     (memory, SQLite or Postgres). Running jobs older than worker.stale_after
//     are failed on startup or by `postgrab recover`.
//   - Worker: a shared Chrome instance (chromedp) loads the post, candidate
//     media URLs are ranked, the best is downloaded (anonymous first, then with
//     browser cookies, HLS remuxed with ffmpeg) and validated. A cover image is
//     normalized to a bounded JPEG.
//   - Fanout: finished artifacts are optionally mirrored to local disk, GCS or
//     S3, and a job event is published to Pub/Sub, NATS or AMQP.
//   - Plumbing: Viper config with POSTGRAB_* env overrides and .env loading,
//     zap logging, Prometheus metrics on /metrics, OpenTelemetry spans.
//
// Quick checklist:
//   - Run the service: postgrab serve --config postgrab.yaml
//   - Worker only: postgrab worker
//   - Submit and inspect: postgrab submit <url>, postgrab jobs [--status failed]
//   - Pin a media URL by hand: postgrab retry <job-id> <media-url>
package main
