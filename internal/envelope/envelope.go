// Package envelope implements the value wrapper the cache engine stores on
// every SET/Replicate: a timestamp paired with the caller's opaque data.
//
// The wire format is a self-describing JSON object rather than a raw byte
// blob so that a legacy, unwrapped value written by some other process can
// still be read back (and is treated as timestamp zero, per spec) instead of
// failing to decode.
package envelope

import "encoding/json"

// Envelope is the {timestamp, data} record every cache-engine write wraps
// its value in before handing it to the local store or a peer.
type Envelope struct {
	Timestamp uint64          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Wrap builds an Envelope around opaque data at the given timestamp. The
// data is embedded verbatim in the JSON record, so it must itself be a valid
// JSON document; Marshal returns an error otherwise.
func Wrap(timestamp uint64, data []byte) Envelope {
	return Envelope{Timestamp: timestamp, Data: append(json.RawMessage(nil), data...)}
}

// Marshal serializes the envelope to its wire form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// wireShape is used only to detect whether a payload is a well-formed
// envelope (has a "timestamp" key) without committing to decoding "data"
// strictly, since data is opaque to us.
type wireShape struct {
	Timestamp *uint64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Unmarshal decodes bytes that may or may not be a wrapped envelope.
//
// If the bytes parse as a JSON object carrying a "timestamp" field, they are
// treated as wrapped and that timestamp is used. Otherwise the bytes are
// treated as a legacy, unwrapped value with timestamp 0 — this is the
// tolerate-on-read behavior spec §3 requires.
func Unmarshal(raw []byte) (env Envelope, wrapped bool) {
	var w wireShape
	if err := json.Unmarshal(raw, &w); err != nil || w.Timestamp == nil {
		return Envelope{Timestamp: 0, Data: append(json.RawMessage(nil), raw...)}, false
	}
	return Envelope{Timestamp: *w.Timestamp, Data: w.Data}, true
}
