/*
Package eventrelay documents the eventrelay module.

This module is CLI-first and ships the eventrelay command:

	go install github.com/nuetzliches/eventrelay/cmd/eventrelay@latest

eventrelay accepts batches of client analytics events, forwards them to a
remote ingestion endpoint, and falls back to a durable local queue with
bounded retries when the endpoint is unreachable.

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package eventrelay
