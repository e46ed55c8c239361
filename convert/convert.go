// Package convert - Import von GPT-2-Checkpoints in das Container-Format
//
// Dieses Modul enthaelt:
// - Convert: liest einen PyTorch- oder Safetensors-Checkpoint samt
//   encoder.json und schreibt die native Modelldatei
// - Namens-Abbildung HuggingFace -> Container-Pfade
// - Conv1D-Transposition der Rang-2-Gewichte
//
// HuggingFace speichert die GPT-2-Linearschichten als Conv1D mit
// Layout [in, out]; der Forward-Pass erwartet Zeilen der Laenge in pro
// Ausgabe-Neuron, also wird transponiert. Rang-2-Gewichte landen als
// F16 in der Datei, Vektoren als F32.
package convert

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/ml"
)

// Params sind die Hyperparameter aus der config.json des Checkpoints
type Params struct {
	VocabSize   int `json:"vocab_size"`
	ContextSize int `json:"n_ctx"`
	HiddenSize  int `json:"n_embd"`
	Heads       int `json:"n_head"`
	Layers      int `json:"n_layer"`
}

// checkpointTensor ist ein gelesenes Checkpoint-Gewicht in F32
type checkpointTensor struct {
	name  string
	shape []int
	data  []float32
}

// layerPatterns bildet HuggingFace-Namen auf die Container-Pfade ab.
// Unbekannte Namen werden uebersprungen (z.B. attn.bias-Masken).
var layerPatterns = []struct {
	re        *regexp.Regexp
	replace   string
	transpose bool
}{
	{regexp.MustCompile(`^wte\.weight$`), "model/wte", false},
	{regexp.MustCompile(`^wpe\.weight$`), "model/wpe", false},
	{regexp.MustCompile(`^ln_f\.weight$`), "model/ln_f/g", false},
	{regexp.MustCompile(`^ln_f\.bias$`), "model/ln_f/b", false},
	{regexp.MustCompile(`^lm_head\.weight$`), "model/lm_head", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.ln_1\.weight$`), "model/h$1/ln_1/g", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.ln_1\.bias$`), "model/h$1/ln_1/b", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.ln_2\.weight$`), "model/h$1/ln_2/g", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.ln_2\.bias$`), "model/h$1/ln_2/b", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.attn\.c_attn\.weight$`), "model/h$1/attn/c_attn/w", true},
	{regexp.MustCompile(`^h\.([0-9]+)\.attn\.c_attn\.bias$`), "model/h$1/attn/c_attn/b", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.attn\.c_proj\.weight$`), "model/h$1/attn/c_proj/w", true},
	{regexp.MustCompile(`^h\.([0-9]+)\.attn\.c_proj\.bias$`), "model/h$1/attn/c_proj/b", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.mlp\.c_fc\.weight$`), "model/h$1/mlp/c_fc/w", true},
	{regexp.MustCompile(`^h\.([0-9]+)\.mlp\.c_fc\.bias$`), "model/h$1/mlp/c_fc/b", false},
	{regexp.MustCompile(`^h\.([0-9]+)\.mlp\.c_proj\.weight$`), "model/h$1/mlp/c_proj/w", true},
	{regexp.MustCompile(`^h\.([0-9]+)\.mlp\.c_proj\.bias$`), "model/h$1/mlp/c_proj/b", false},
}

func mapName(name string) (string, bool, bool) {
	// "transformer."-Praefix mancher Checkpoints abstreifen
	if len(name) > 12 && name[:12] == "transformer." {
		name = name[12:]
	}

	for _, p := range layerPatterns {
		if p.re.MatchString(name) {
			return p.re.ReplaceAllString(name, p.replace), p.transpose, true
		}
	}

	return "", false, false
}

// Convert liest den Checkpoint unter checkpointPath und das Vokabular
// aus encoderPath und schreibt die Modelldatei nach w
func Convert(checkpointPath, encoderPath string, params *Params, w io.Writer) error {
	start := time.Now()

	words, err := readVocabulary(encoderPath, params.VocabSize)
	if err != nil {
		return err
	}

	tensors, err := readCheckpoint(checkpointPath)
	if err != nil {
		return err
	}

	hp := &ggml.Hyperparameters{
		NumVocab: int32(params.VocabSize),
		NumCtx:   int32(params.ContextSize),
		NumEmbd:  int32(params.HiddenSize),
		NumHead:  int32(params.Heads),
		NumLayer: int32(params.Layers),
		FileType: int32(ggml.FileTypeF16),
	}

	enc := ggml.NewEncoder(w)
	if err := enc.WriteHeader(hp, words); err != nil {
		return err
	}

	var written int
	for _, t := range tensors {
		path, needsTranspose, ok := mapName(t.name)
		if !ok {
			slog.Debug("skipping checkpoint tensor", "name", t.name)
			continue
		}

		data, dims := t.data, t.shape
		if needsTranspose {
			if data, dims, err = transpose(t); err != nil {
				return fmt.Errorf("transposing %s: %w", t.name, err)
			}
		}

		if err := writeRecord(enc, path, dims, data); err != nil {
			return err
		}

		written++
	}

	slog.Info("checkpoint converted", "tensors", written, "duration", time.Since(start))
	return nil
}

// transpose dreht ein Rang-2-Gewicht von [in, out] nach [out, in]
func transpose(t checkpointTensor) ([]float32, []int, error) {
	if len(t.shape) != 2 {
		return nil, nil, fmt.Errorf("rank-%d tensor", len(t.shape))
	}

	n := tensor.New(tensor.WithShape(t.shape[0], t.shape[1]), tensor.WithBacking(t.data))
	if err := n.T(); err != nil {
		return nil, nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, nil, err
	}

	rows, err := native.SelectF32(n, 0)
	if err != nil {
		return nil, nil, err
	}

	out := make([]float32, 0, len(t.data))
	for _, row := range rows {
		out = append(out, row...)
	}

	return out, []int{t.shape[1], t.shape[0]}, nil
}

// writeRecord schreibt ein Gewicht: Rang 2 als F16, Vektoren als F32.
// Die Dimensionen stehen in ne-Reihenfolge (schnellste zuerst).
func writeRecord(enc *ggml.Encoder, path string, shape []int, data []float32) error {
	dims := make([]int32, len(shape))
	for i := range shape {
		// numpy-Reihenfolge -> ne-Reihenfolge
		dims[i] = int32(shape[len(shape)-1-i])
	}

	if len(shape) == 2 {
		raw := make([]byte, 2*len(data))
		ml.F32ToF16(data, raw)
		return enc.WriteTensor(path, dims, ml.DTypeF16, raw)
	}

	raw := make([]byte, 4*len(data))
	copy(ml.F32View(raw), data)
	return enc.WriteTensor(path, dims, ml.DTypeF32, raw)
}
