// Package rabbitmq delivers boxrelay items to an AMQP exchange.
//
// Connection keeps one channel open and re-dials with exponential backoff when the broker
// drops it. Transport publishes an item per call and, when the channel is in confirm mode,
// waits for the broker acknowledgement before reporting the item as accepted.
package rabbitmq
