// Package sinks provides events.Sink implementations for logging, Prometheus
// metrics, Google Cloud Pub/Sub, and RabbitMQ.
package sinks
