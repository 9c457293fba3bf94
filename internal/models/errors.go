package models

import "fmt"

// ExportError reports a failed exporter invocation: tool not found, non-zero
// exit, timeout, or malformed output. Channel-local and non-fatal to the
// loop; state is untouched and the window is retried next cycle.
type ExportError struct {
	ChannelID string
	Reason    string
	Err       error
}

func (e *ExportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export failed for channel %s: %s: %v", e.ChannelID, e.Reason, e.Err)
	}
	return fmt.Sprintf("export failed for channel %s: %s", e.ChannelID, e.Reason)
}

func (e *ExportError) Unwrap() error { return e.Err }

// ForwardError reports a failed batch post. Retryable failures (rate limits,
// transient network, 5xx) are retried with backoff inside the forwarder;
// exhausting retries or a non-retryable status aborts the cycle before commit.
type ForwardError struct {
	Retryable  bool
	StatusCode int
	Reason     string
	Err        error
}

func (e *ForwardError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("forward failed (%s, status %d): %s", kind, e.StatusCode, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("forward failed (%s): %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("forward failed (%s): %s", kind, e.Reason)
}

func (e *ForwardError) Unwrap() error { return e.Err }
