package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Websocket subprotocols, one per codec.
const (
	JSONSubprotocol = "chatrelay.v1.json"
	CBORSubprotocol = "chatrelay.v1.cbor"
)

// Subprotocols lists the supported subprotocols in order of preference.
var Subprotocols = []string{JSONSubprotocol, CBORSubprotocol}

// Decoder reads consecutive frames from a stream.
type Decoder interface {
	Decode(v any) error
}

// Codec encodes frames for one websocket subprotocol. Several encoded frames
// may share a websocket message: they are joined with Separator and read
// back with NewDecoder.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames go out as binary websocket messages.
	Binary() bool
	Separator() []byte
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	NewDecoder(r io.Reader) Decoder
}

// ForSubprotocol returns the codec negotiated for name. Anything other than
// the CBOR subprotocol, including no subprotocol at all, gets JSON.
func ForSubprotocol(name string) Codec {
	if name == CBORSubprotocol {
		return CBOR
	}
	return JSON
}

// Codecs shared by the server and the client.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return JSONSubprotocol }
func (jsonCodec) Binary() bool        { return false }
func (jsonCodec) Separator() []byte   { return []byte{'\n'} }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return CBORSubprotocol }
func (cborCodec) Binary() bool        { return true }

// Separator is empty: concatenated CBOR items form a CBOR sequence.
func (cborCodec) Separator() []byte { return nil }

func (c cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c cborCodec) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}

// DecodeOutbound reads every frame batched into one websocket message.
func DecodeOutbound(codec Codec, data []byte) ([]Outbound, error) {
	dec := codec.NewDecoder(bytes.NewReader(data))
	var frames []Outbound
	for {
		var f Outbound
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}
