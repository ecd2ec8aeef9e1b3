package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/questvision/visionstream/config"
	"github.com/questvision/visionstream/logging"
	"github.com/questvision/visionstream/session"
	"github.com/questvision/visionstream/signaling"
	"github.com/questvision/visionstream/vision/analyzer"
	"github.com/questvision/visionstream/web"
	"github.com/questvision/visionstream/web/server"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.STUNServerURL = ""
	cfg.Analyzer = analyzer.Config{Type: analyzer.TypeNone}
	return &cfg
}

func TestRunServerBadArguments(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	err := server.RunServer(ctx, []string{"visionstream", "-analyzer", "yolo"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "yolo")

	err = server.RunServer(ctx, []string{"visionstream", "-config", "/does/not/exist.json"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot read config file")

	err = server.RunServer(ctx, []string{"visionstream", "-port", "99999"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "port")
}

func TestNewRejectsUnknownAnalyzer(t *testing.T) {
	cfg := testConfig()
	cfg.Analyzer = analyzer.Config{Type: "yolo"}
	_, err := server.New(cfg, web.Options{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	var notImpl *analyzer.TypeNotImplementedError
	test.That(t, errors.As(err, &notImpl), test.ShouldBeTrue)
}

type sessionSummary struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func fetchSessions(tb testing.TB, addr string) []sessionSummary {
	tb.Helper()
	resp, err := http.Get("http://" + addr + "/sessions")
	test.That(tb, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(tb, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var sessions []sessionSummary
	test.That(tb, json.NewDecoder(resp.Body).Decode(&sessions), test.ShouldBeNil)
	return sessions
}

func TestServeNegotiatesAndShutsDown(t *testing.T) {
	// pion's agent goroutines keep logging after Close returns, so they must not log through t.
	logger := logging.NewBlankLogger("server")
	srv, err := server.New(testConfig(), web.Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, listener, nil)
	}()

	resp, err := http.Get("http://" + addr + "/healthz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)

	// The headset's side of the call: a send only VP8 track plus the detections channel.
	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	test.That(t, err, test.ShouldBeNil)
	defer peer.Close()
	_, err = peer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	test.That(t, err, test.ShouldBeNil)
	_, err = peer.CreateDataChannel("detections", nil)
	test.That(t, err, test.ShouldBeNil)
	offer, err := peer.CreateOffer(nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, peer.SetLocalDescription(offer), test.ShouldBeNil)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	transport, err := signaling.Dial(dialCtx, "ws://"+addr+"/", signaling.DefaultOptions(), logger)
	test.That(t, err, test.ShouldBeNil)
	defer transport.Close()

	test.That(t, transport.Send(dialCtx, signaling.NewOffer(offer.SDP)), test.ShouldBeNil)
	raw, err := transport.Receive(dialCtx)
	test.That(t, err, test.ShouldBeNil)
	var answer signaling.Envelope
	test.That(t, json.Unmarshal(raw, &answer), test.ShouldBeNil)
	test.That(t, answer.Type, test.ShouldEqual, signaling.TypeAnswer)
	test.That(t, peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		sessions := fetchSessions(tb, addr)
		test.That(tb, sessions, test.ShouldHaveLength, 1)
		test.That(tb, sessions[0].State, test.ShouldEqual, session.StateNegotiated.String())
	})

	cancel()
	select {
	case err := <-served:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
	test.That(t, srv.Manager().Sessions().Len(), test.ShouldEqual, 0)
}
