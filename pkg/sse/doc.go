/*
Package sse delivers workspace change events to browsers over Server-Sent
Events. Events originate as database trigger notifications, travel through
the broker's per-user channels, and are written here as a typed stream with
periodic heartbeats.

The stream is a latency optimization, never a source of truth: clients that
reconnect re-fetch their workspace list before trusting it again.
*/
package sse
