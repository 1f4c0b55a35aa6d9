package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxRecord bounds a single encoded message.
const MaxRecord = 16 * 1024 * 1024 // 16 MB

// Codec serializes Requests and Responses for a byte-stream transport.
type Codec interface {
	Name() string
	// Marshal encodes v as one self-delimiting record.
	Marshal(v any) ([]byte, error)
	// NewDecoder reads consecutive records from r.
	NewDecoder(r io.Reader) Decoder
}

// Decoder reads records one at a time. Decode returns io.EOF on a clean end
// of stream.
type Decoder interface {
	Decode(v any) error
}

// JSONLines encodes each message as a JSON object followed by a newline.
var JSONLines Codec = jsonLines{}

// CBOR encodes each message as one CBOR data item using Core Deterministic
// Encoding. Items are self-delimiting so no framing is added.
var CBOR Codec = cborCodec{}

// CodecByName resolves the codec names accepted in configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONLines, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonLines struct{}

func (jsonLines) Name() string { return "json" }

func (jsonLines) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxRecord {
		return nil, fmt.Errorf("record too large: %d bytes", len(data))
	}
	return append(data, '\n'), nil
}

func (jsonLines) NewDecoder(r io.Reader) Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxRecord+1)
	return &lineDecoder{sc: sc}
}

type lineDecoder struct {
	sc *bufio.Scanner
}

func (d *lineDecoder) Decode(v any) error {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return fmt.Errorf("record too large: over %d bytes", MaxRecord)
		}
		return fmt.Errorf("reading record: %w", err)
	}
	return io.EOF
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// ExitStatus travels by name, matching the JSON form.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxRecord {
		return nil, fmt.Errorf("record too large: %d bytes", len(data))
	}
	return data, nil
}

func (cborCodec) NewDecoder(r io.Reader) Decoder {
	return cborDec.NewDecoder(r)
}
