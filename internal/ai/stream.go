package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when streaming ends. A nil error (or a closed error
// channel) after the chunk channel is drained means the stream reached its end marker.
// Producers stop sending as soon as ctx is done, so a consumer that gives up
// early only needs to cancel ctx.
type StreamProvider interface {
	StreamChat(ctx context.Context, req *Request) (<-chan string, <-chan error)
}

// send delivers one chunk unless ctx is done first.
func send(ctx context.Context, chunks chan<- string, c string) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
