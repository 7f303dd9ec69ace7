package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeUntilDone_DrainsInFlightRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "resolved")
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- serveUntilDone(ctx, srv, ln, 5*time.Second) }()

	type reply struct {
		body string
		err  error
	}
	replies := make(chan reply, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/resolve")
		if err != nil {
			replies <- reply{err: err}
			return
		}
		defer resp.Body.Close() //nolint:errcheck
		b, err := io.ReadAll(resp.Body)
		replies <- reply{body: string(b), err: err}
	}()

	<-entered
	cancel()

	select {
	case err := <-served:
		t.Fatalf("returned before the in-flight request finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	r := <-replies
	require.NoError(t, r.err)
	assert.Equal(t, "resolved", r.body)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return after draining")
	}
}

func TestServeUntilDone_ServeError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	err = serveUntilDone(context.Background(), &http.Server{}, ln, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server serve")
}
