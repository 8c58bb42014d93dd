package keyframes

import (
	"bytes"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns keyframe models into compressed msgpack blobs. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds a Codec at the fastest zstd level.
func NewCodec() (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("keyframe codec: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("keyframe codec: %w", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Encode serializes one model.
func (c *Codec) Encode(model datastore.Model) ([]byte, error) {
	var buffer bytes.Buffer
	if err := msgpack.NewEncoder(&buffer).Encode(map[string]any(model)); err != nil {
		return nil, fmt.Errorf("encode keyframe model: %w", err)
	}
	return c.encoder.EncodeAll(buffer.Bytes(), nil), nil
}

// Decode restores one model. Strings stay strings and integers decode as int64.
func (c *Codec) Decode(blob []byte) (datastore.Model, error) {
	raw, err := c.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress keyframe model: %w", err)
	}
	decoder := msgpack.NewDecoder(bytes.NewReader(raw))
	decoder.UseLooseInterfaceDecoding(true)
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode keyframe model: %w", err)
	}
	model := datastore.Model(fields)
	if model == nil {
		model = datastore.Model{}
	}
	if _, ok := model[datastore.MetaPosition]; ok {
		model[datastore.MetaPosition] = model.Position()
	}
	return model, nil
}

// Close releases the zstd workers.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
