// Package watchbus streams run events to live observers. Journals publish
// every event under a stream key; observers watch that key in process, over
// Server-Sent Events or over WebSocket.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// Replayer is implemented by buses that retain published messages.
type Replayer interface {
	// Replay returns every retained message for key, oldest first.
	Replay(ctx context.Context, key string) ([][]byte, error)
}

// watchBuffer is how many messages a watcher may lag behind before new
// messages to it are dropped.
const watchBuffer = 256
