// Command eventrelay runs the event relay daemon.
//
// eventrelay accepts batches of client analytics events, forwards them to a
// remote ingestion endpoint, and falls back to a durable local queue with
// bounded retries when the endpoint is unreachable.
//
// Install:
//
//	go install github.com/nuetzliches/eventrelay/cmd/eventrelay@latest
//
// Usage:
//
//	eventrelay run --log-level info --dotenv ./.env
package main
