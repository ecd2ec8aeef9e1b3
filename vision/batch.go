package vision

import (
	"encoding/json"
)

const (
	// TypeDetections tags a DetectionBatch message.
	TypeDetections = "detections"
	// TypeReady tags the side channel readiness handshake.
	TypeReady = "ready"
)

// DetectionBatch is sent once per analyzed frame.
type DetectionBatch struct {
	Frame      uint64      `json:"frame"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// MarshalJSON adds the "detections" type tag. An empty result is encoded as [] and never null.
func (b DetectionBatch) MarshalJSON() ([]byte, error) {
	type plain DetectionBatch
	out := plain(b)
	if out.Detections == nil {
		out.Detections = []Detection{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{TypeDetections, out})
}

// EncodeReady returns the {"type":"ready"} handshake.
func EncodeReady() string {
	return `{"type":"` + TypeReady + `"}`
}
