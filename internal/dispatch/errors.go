package dispatch

// Errors
var (
	// ErrQueueClosed is returned by Enqueue once Stop has been called.
	ErrQueueClosed = queueError("dispatch queue is closed")
	// ErrStopTimeout is returned by Stop when the worker did not exit in
	// time. Live artifacts are flushed regardless.
	ErrStopTimeout = queueError("dispatch worker did not stop before timeout")
)

type queueError string

func (e queueError) Error() string {
	return string(e)
}
