package chat_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection for the chat package.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// HTTP keep-alive connection goroutines persist across tests.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}
