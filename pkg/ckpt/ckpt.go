// Package ckpt reads and writes the pretrained checkpoint bundle consumed
// by the inference pipeline.
//
// A bundle is a single file carrying every versioned artifact a run needs:
// the serialized network graphs (denoising UNet, VAE encoder/decoder, audio
// conditioning encoder) and named raw tensors (e.g. the null audio embedding
// used for classifier-free guidance). The container is deliberately simple —
// a msgpack manifest followed by raw little-endian payloads — so the tensor
// contract is shape/dtype, not any training framework's serialization.
//
// # File Layout
//
//	magic "LSB1" (4 bytes)
//	manifest length (uint32 little-endian)
//	msgpack-encoded Manifest
//	payload bytes (entries located by offset/size relative to payload start)
package ckpt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/visage-ai/lipsync/pkg/tensor"
)

const (
	magic = "LSB1"

	// FormatVersion is the bundle format understood by this package.
	FormatVersion = 1

	// DTypeFloat32 is the only tensor dtype the pipeline consumes.
	DTypeFloat32 = "float32"
)

// Manifest describes every entry in a bundle.
type Manifest struct {
	Version int           `msgpack:"version"`
	Models  []ModelEntry  `msgpack:"models"`
	Tensors []TensorEntry `msgpack:"tensors"`
}

// ModelEntry locates a serialized network graph in the payload.
type ModelEntry struct {
	Name   string `msgpack:"name"`
	Offset int64  `msgpack:"offset"`
	Size   int64  `msgpack:"size"`
	SHA256 string `msgpack:"sha256"`
}

// TensorEntry locates a named raw tensor in the payload.
type TensorEntry struct {
	Name   string `msgpack:"name"`
	DType  string `msgpack:"dtype"`
	Shape  []int  `msgpack:"shape"`
	Offset int64  `msgpack:"offset"`
	Size   int64  `msgpack:"size"`
}

// Bundle is an opened checkpoint bundle.
type Bundle struct {
	manifest Manifest
	payload  []byte
	models   map[string]*ModelEntry
	tensors  map[string]*TensorEntry
}

// Open reads and validates a bundle file.
func Open(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ckpt: open %s: %w", path, err)
	}
	defer f.Close()
	b, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("ckpt: %s: %w", path, err)
	}
	return b, nil
}

// Read parses a bundle from a stream.
func Read(r io.Reader) (*Bundle, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("ckpt: read header: %w", err)
	}
	if string(hdr[0:4]) != magic {
		return nil, fmt.Errorf("ckpt: bad magic %q", hdr[0:4])
	}
	manifestLen := binary.LittleEndian.Uint32(hdr[4:8])
	if manifestLen == 0 || manifestLen > 1<<24 {
		return nil, fmt.Errorf("ckpt: implausible manifest length %d", manifestLen)
	}

	manifestRaw := make([]byte, manifestLen)
	if _, err := io.ReadFull(r, manifestRaw); err != nil {
		return nil, fmt.Errorf("ckpt: read manifest: %w", err)
	}
	var manifest Manifest
	if err := msgpack.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("ckpt: decode manifest: %w", err)
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("ckpt: unsupported bundle version %d (want %d)", manifest.Version, FormatVersion)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ckpt: read payload: %w", err)
	}

	b := &Bundle{
		manifest: manifest,
		payload:  payload,
		models:   make(map[string]*ModelEntry, len(manifest.Models)),
		tensors:  make(map[string]*TensorEntry, len(manifest.Tensors)),
	}
	for i := range manifest.Models {
		m := &manifest.Models[i]
		if err := b.checkBounds(m.Offset, m.Size, "model", m.Name); err != nil {
			return nil, err
		}
		b.models[m.Name] = m
	}
	for i := range manifest.Tensors {
		t := &manifest.Tensors[i]
		if err := b.checkBounds(t.Offset, t.Size, "tensor", t.Name); err != nil {
			return nil, err
		}
		b.tensors[t.Name] = t
	}
	return b, nil
}

func (b *Bundle) checkBounds(offset, size int64, kind, name string) error {
	if offset < 0 || size < 0 || offset+size > int64(len(b.payload)) {
		return fmt.Errorf("ckpt: %s %q out of bounds (offset %d size %d payload %d)",
			kind, name, offset, size, len(b.payload))
	}
	return nil
}

// Manifest returns the decoded manifest.
func (b *Bundle) Manifest() Manifest { return b.manifest }

// Model returns the serialized graph bytes for a named model, verifying
// the manifest digest.
func (b *Bundle) Model(name string) ([]byte, error) {
	m, ok := b.models[name]
	if !ok {
		return nil, fmt.Errorf("ckpt: model %q not in bundle", name)
	}
	data := b.payload[m.Offset : m.Offset+m.Size]
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != m.SHA256 {
		return nil, fmt.Errorf("ckpt: model %q digest mismatch: manifest %s, payload %s", name, m.SHA256, got)
	}
	return data, nil
}

// Tensor decodes a named raw tensor. Only float32 tensors are supported.
func (b *Bundle) Tensor(name string) (*tensor.Tensor, error) {
	e, ok := b.tensors[name]
	if !ok {
		return nil, fmt.Errorf("ckpt: tensor %q not in bundle", name)
	}
	if e.DType != DTypeFloat32 {
		return nil, fmt.Errorf("ckpt: tensor %q has dtype %q (want %s)", name, e.DType, DTypeFloat32)
	}
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	if int64(n*4) != e.Size {
		return nil, fmt.Errorf("ckpt: tensor %q size %d does not match shape %v", name, e.Size, e.Shape)
	}
	raw := b.payload[e.Offset : e.Offset+e.Size]
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return tensor.FromData(data, e.Shape...)
}

// Writer assembles a bundle. Entries are appended, then Flush writes the
// complete file. Used by packaging tools and tests.
type Writer struct {
	manifest Manifest
	payload  []byte
}

// NewWriter returns an empty bundle writer.
func NewWriter() *Writer {
	return &Writer{manifest: Manifest{Version: FormatVersion}}
}

// AddModel appends a serialized graph under the given name.
func (w *Writer) AddModel(name string, data []byte) {
	sum := sha256.Sum256(data)
	w.manifest.Models = append(w.manifest.Models, ModelEntry{
		Name:   name,
		Offset: int64(len(w.payload)),
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(sum[:]),
	})
	w.payload = append(w.payload, data...)
}

// AddTensor appends a float32 tensor under the given name.
func (w *Writer) AddTensor(name string, t *tensor.Tensor) {
	raw := make([]byte, t.NumElems()*4)
	for i, v := range t.Data() {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	w.manifest.Tensors = append(w.manifest.Tensors, TensorEntry{
		Name:   name,
		DType:  DTypeFloat32,
		Shape:  append([]int(nil), t.Shape()...),
		Offset: int64(len(w.payload)),
		Size:   int64(len(raw)),
	})
	w.payload = append(w.payload, raw...)
}

// Flush writes the assembled bundle to out.
func (w *Writer) Flush(out io.Writer) error {
	manifestRaw, err := msgpack.Marshal(&w.manifest)
	if err != nil {
		return fmt.Errorf("ckpt: encode manifest: %w", err)
	}
	var hdr [8]byte
	copy(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(manifestRaw)))
	if _, err := out.Write(hdr[:]); err != nil {
		return fmt.Errorf("ckpt: write header: %w", err)
	}
	if _, err := out.Write(manifestRaw); err != nil {
		return fmt.Errorf("ckpt: write manifest: %w", err)
	}
	if _, err := out.Write(w.payload); err != nil {
		return fmt.Errorf("ckpt: write payload: %w", err)
	}
	return nil
}
