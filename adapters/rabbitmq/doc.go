/*
Package rabbitmq implements the domain event bus over AMQP 0-9-1.

A ConnectionManager owns the one connection and channel of a process and moves through
Disconnected, Connecting, Connected and Closing. Topology declares the durable topic
exchange and per-service durable queues. Publisher writes persistent JSON envelopes with the
event type as routing key. Consumer delivers decoded envelopes to handlers and acknowledges
each delivery only after its handler returned.
*/
package rabbitmq
