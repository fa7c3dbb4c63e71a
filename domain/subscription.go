package domain

// Subscription is a live stream of values from one transport instance.
// A single delivery on Err marks the instance dead; the transport does not
// retry on its own and no further Stream reads are expected after that.
type Subscription[T any] struct {
	Stream      chan T
	Err         chan error
	Unsubscribe func()
	Topic       string
}
