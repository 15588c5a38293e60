package call

// MediaError reports that no usable capture device could be acquired.
// It is terminal: a call cannot proceed without media.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string {
	return "media acquisition failed: " + e.Err.Error()
}

func (e *MediaError) Unwrap() error { return e.Err }

// ConnectionError reports that a call was abandoned after the
// reconnect budget ran out.
type ConnectionError struct {
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "call connection failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }
