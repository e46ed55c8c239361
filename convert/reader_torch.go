// reader_torch.go - PyTorch-Checkpoint-Reader (pickle)
//
// Liest ein state_dict aus einer pytorch_model.bin via gopickle und
// kanonisiert alle Gewichte nach F32.
package convert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// readTorchCheckpoint liest alle Tensoren eines PyTorch-Checkpoints
func readTorchCheckpoint(path string) ([]checkpointTensor, error) {
	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", path, err)
	}

	entries, err := stateDictEntries(m)
	if err != nil {
		return nil, err
	}

	tensors := make([]checkpointTensor, 0, len(entries))
	for name, t := range entries {
		data, err := storageFloats(t)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		tensors = append(tensors, checkpointTensor{name: name, shape: append([]int(nil), t.Size...), data: data})
	}

	sort.Slice(tensors, func(i, j int) bool { return tensors[i].name < tensors[j].name })
	return tensors, nil
}

// stateDictEntries entpackt das state_dict aus dem Pickle-Ergebnis
func stateDictEntries(m any) (map[string]*pytorch.Tensor, error) {
	out := make(map[string]*pytorch.Tensor)

	add := func(k, v any) {
		name, ok := k.(string)
		if !ok {
			return
		}

		if t, ok := v.(*pytorch.Tensor); ok {
			out[name] = t
		}
	}

	switch d := m.(type) {
	case *types.Dict:
		for _, entry := range *d {
			add(entry.Key, entry.Value)
		}
	case *types.OrderedDict:
		for _, entry := range d.Map {
			add(entry.Key, entry.Value)
		}
	default:
		return nil, fmt.Errorf("unexpected checkpoint root %T", m)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("checkpoint contains no tensors")
	}

	return out, nil
}

// storageFloats kanonisiert einen Torch-Storage nach F32
func storageFloats(t *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}

	offset := int(t.StorageOffset)

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		return append([]float32(nil), s.Data[offset:offset+n]...), nil
	case *pytorch.HalfStorage:
		return append([]float32(nil), s.Data[offset:offset+n]...), nil
	case *pytorch.BFloat16Storage:
		return append([]float32(nil), s.Data[offset:offset+n]...), nil
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}
}

// readCheckpoint waehlt den Reader anhand der Dateiendung
func readCheckpoint(path string) ([]checkpointTensor, error) {
	if strings.HasSuffix(path, ".safetensors") {
		return readSafetensors(path)
	}

	return readTorchCheckpoint(path)
}
