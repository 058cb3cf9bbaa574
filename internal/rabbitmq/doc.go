// Package rabbitmq provides the amqp091 plumbing underneath the fennec
// recovery layer.
//
// This package includes:
//   - ConnectionManager: owns the broker connection, redials with backoff
//     and drives channel recovery when the connection is replaced
//   - session: the raw channel handle implementing robust.Session
//
// The connection manager is the only place retry and backoff policy lives;
// the channel layer itself never retries. After a successful redial the
// manager replays every registered channel's declared state before the
// connection is announced as usable again.
package rabbitmq
