package signaling_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/questvision/visionstream/signaling"
)

const hostCandidate = "candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host"

func TestParseValid(t *testing.T) {
	env, err := signaling.Parse([]byte(`{"type":"offer","sdp":"v=0\r\n"}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, env.Type, test.ShouldEqual, signaling.TypeOffer)
	test.That(t, env.SDP, test.ShouldEqual, "v=0\r\n")

	env, err = signaling.Parse([]byte(`{"type":"candidate","candidate":"` + hostCandidate + `","sdpMid":"0","sdpMLineIndex":0}`))
	test.That(t, err, test.ShouldBeNil)
	cand := env.ICECandidate()
	test.That(t, cand.Candidate, test.ShouldEqual, hostCandidate)
	test.That(t, *cand.SDPMid, test.ShouldEqual, "0")
	test.That(t, *cand.SDPMLineIndex, test.ShouldEqual, uint16(0))

	// Either media identifier is enough.
	_, err = signaling.Parse([]byte(`{"type":"candidate","candidate":"` + hostCandidate + `","sdpMLineIndex":1}`))
	test.That(t, err, test.ShouldBeNil)
}

func TestParseMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"sdp":"v=0"}`,
		"unknown type":      `{"type":"renegotiate"}`,
		"answer from peer":  `{"type":"answer","sdp":"v=0"}`,
		"empty offer":       `{"type":"offer","sdp":"  "}`,
		"empty candidate":   `{"type":"candidate","candidate":"","sdpMid":"0","sdpMLineIndex":0}`,
		"no media id":       `{"type":"candidate","candidate":"` + hostCandidate + `"}`,
		"garbage candidate": `{"type":"candidate","candidate":"candidate:nonsense","sdpMid":"0","sdpMLineIndex":0}`,
		"negative index":    `{"type":"candidate","candidate":"` + hostCandidate + `","sdpMid":"0","sdpMLineIndex":-1}`,
		"string index":      `{"type":"candidate","candidate":"` + hostCandidate + `","sdpMid":"0","sdpMLineIndex":"0"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := signaling.Parse([]byte(raw))
			test.That(t, err, test.ShouldNotBeNil)
			var formatErr *signaling.FormatError
			test.That(t, errors.As(err, &formatErr), test.ShouldBeTrue)
		})
	}
}

func TestEnvelopeEncoding(t *testing.T) {
	out, err := json.Marshal(signaling.NewAnswer("v=0"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `{"type":"answer","sdp":"v=0"}`)

	mid := "0"
	var index uint16
	out, err = json.Marshal(signaling.NewCandidate(signaling.Candidate{Candidate: hostCandidate, SDPMid: &mid, SDPMLineIndex: &index}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual,
		`{"type":"candidate","candidate":"`+hostCandidate+`","sdpMid":"0","sdpMLineIndex":0}`)
}
