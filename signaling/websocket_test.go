package signaling_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/signaling"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	opts := signaling.DefaultOptions()

	serverDone := make(chan error, 1)
	handler := signaling.NewHandler(opts, func(ctx context.Context, transport signaling.Transport) {
		raw, err := transport.Receive(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		env, err := signaling.Parse(raw)
		if err != nil {
			serverDone <- err
			return
		}
		if err := transport.Send(ctx, signaling.NewAnswer("answer-for-"+env.SDP)); err != nil {
			serverDone <- err
			return
		}
		_, err = transport.Receive(ctx)
		serverDone <- err
	}, logger)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := signaling.Dial(ctx, wsURL(srv), opts, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, client.Send(ctx, signaling.NewOffer("A")), test.ShouldBeNil)
	raw, err := client.Receive(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(raw), test.ShouldEqual, `{"type":"answer","sdp":"answer-for-A"}`)

	// A normal close from the peer surfaces as io.EOF on the server.
	test.That(t, client.Close(), test.ShouldBeNil)
	test.That(t, client.Close(), test.ShouldBeNil)
	select {
	case err := <-serverDone:
		test.That(t, errors.Is(err, io.EOF), test.ShouldBeTrue)
	case <-ctx.Done():
		t.Fatal("server never saw the close")
	}
}

func TestWebsocketReceiveCancel(t *testing.T) {
	logger := logging.NewTestLogger(t)
	release := make(chan struct{})
	handler := signaling.NewHandler(signaling.DefaultOptions(), func(ctx context.Context, transport signaling.Transport) {
		<-release
	}, logger)
	srv := httptest.NewServer(handler)
	defer srv.Close()
	defer close(release)

	client, err := signaling.Dial(context.Background(), wsURL(srv), signaling.DefaultOptions(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Receive(ctx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
}

func TestDialFailure(t *testing.T) {
	_, err := signaling.Dial(context.Background(), "ws://127.0.0.1:1/nothing", signaling.DefaultOptions(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	var transportErr *signaling.TransportError
	test.That(t, errors.As(err, &transportErr), test.ShouldBeTrue)
	test.That(t, transportErr.Op, test.ShouldEqual, "dial")
}

func TestDebugQuery(t *testing.T) {
	logger := logging.NewTestLogger(t)
	peers := make(chan string, 2)
	handler := signaling.NewHandler(signaling.DefaultOptions(), func(ctx context.Context, transport signaling.Transport) {
		peers <- logging.DebugPeer(ctx)
	}, logger)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	for _, url := range []string{wsURL(srv), wsURL(srv) + "?debug=true"} {
		client, err := signaling.Dial(context.Background(), url, signaling.DefaultOptions(), logger)
		test.That(t, err, test.ShouldBeNil)
		select {
		case peer := <-peers:
			if strings.Contains(url, "debug") {
				test.That(t, peer, test.ShouldStartWith, "127.0.0.1:")
			} else {
				test.That(t, peer, test.ShouldBeEmpty)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("handler never ran")
		}
		test.That(t, client.Close(), test.ShouldBeNil)
	}
}
