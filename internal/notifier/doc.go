// Package notifier delivers operator notifications.
//
// Components raise a Notification (severity, title, message, timestamp)
// through the Sink interface and carry on; delivery happens on a background
// worker that rate limits, suppresses duplicates within a window, retries each
// channel independently and keeps a short history for status surfaces.
//
// Channels: structured log, JSON files in a directory, an HTTP webhook and a
// Telegram chat.
package notifier
