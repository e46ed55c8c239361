// reader_safetensors.go - Safetensors-Checkpoint-Reader
//
// Safetensors: ein u64-laengenpraefigierter JSON-Header, der pro
// Tensor dtype, Shape und Byte-Offsets in den anschliessenden
// Datenblock beschreibt. F16 und BF16 werden nach F32 kanonisiert.
package convert

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorMeta struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets []int  `json:"data_offsets"`
}

// readSafetensors liest alle Tensoren einer .safetensors-Datei
func readSafetensors(path string) ([]checkpointTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("reading safetensors header size: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("reading safetensors header: %w", err)
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(header, &parsed); err != nil {
		return nil, fmt.Errorf("decoding safetensors header: %w", err)
	}

	names := make([]string, 0, len(parsed))
	for name := range parsed {
		if name == "__metadata__" {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	dataStart := int64(8 + headerSize)
	var tensors []checkpointTensor

	for _, name := range names {
		var meta safetensorMeta
		if err := json.Unmarshal(parsed[name], &meta); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", name, err)
		}

		if len(meta.Shape) == 0 || len(meta.Offsets) != 2 {
			continue
		}

		raw := make([]byte, meta.Offsets[1]-meta.Offsets[0])
		if _, err := f.ReadAt(raw, dataStart+int64(meta.Offsets[0])); err != nil {
			return nil, fmt.Errorf("reading data of %s: %w", name, err)
		}

		data, err := safetensorFloats(meta.DType, raw)
		if err != nil {
			return nil, fmt.Errorf("converting %s: %w", name, err)
		}

		tensors = append(tensors, checkpointTensor{name: name, shape: meta.Shape, data: data})
	}

	return tensors, nil
}

// safetensorFloats kanonisiert einen Datenblock nach F32
func safetensorFloats(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		return out, nil
	case "F16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}

		return out, nil
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("unsupported safetensors dtype %s", dtype)
	}
}
