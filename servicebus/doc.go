/*
Package servicebus is the application-facing event bus over RabbitMQ. A Bus owns the
process connection, publishes typed envelopes to the shared topic exchange, runs
subscriptions with per-type routing, and bridges consumed events to other transports.
*/
package servicebus
