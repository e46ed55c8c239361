// loader.go - Gestreamter Gewichts-Loader mit On-Load-Quantisierung
//
// Dieses Modul enthaelt:
// - Model: Context + Abbildung Pfad -> Gewichts-Tensor
// - LoadModel: streamt Records, konvertiert Typen und fuehrt Buch
// - ApplyTiedWeights: Aliasing nicht geladener Ziel-Gewichte
//
// Konvertierungsregel beim Lesen: F32 und F16 werden zunaechst als F32
// materialisiert; von dort geht es elementweise nach F16 oder blockweise
// in einen quantisierten Typ. Jede andere Quell-Ziel-Kombination ist
// ein Format-Fehler.
package model

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/ml"
)

// Model buendelt einen Context mit den darin allozierten Gewichten
type Model struct {
	ctx     *ml.Context
	weights map[string]*ml.Tensor
}

// Get gibt das Gewicht unter dem gegebenen Pfad zurueck oder nil
func (m *Model) Get(path string) *ml.Tensor {
	return m.weights[path]
}

// Paths gibt alle Gewichts-Pfade zurueck
func (m *Model) Paths() []string {
	paths := make([]string, 0, len(m.weights))
	for p := range m.weights {
		paths = append(paths, p)
	}

	slices.Sort(paths)
	return paths
}

// Close gibt den Context des Modells frei
func (m *Model) Close() {
	if m == nil || m.ctx == nil {
		return
	}

	m.ctx.Close()
}

// EstimateModelSize gibt die Arena-Groesse zurueck, die ein Modell mit
// dem gegebenen Beschreibungsbaum benoetigt: Blatt-Bytes im jeweiligen
// (ggf. umgeschriebenen) Typ plus Metadaten-Pauschale pro Tensor.
func EstimateModelSize(desc *DescNode) int64 {
	var size int64
	for pair := desc.Flatten().Oldest(); pair != nil; pair = pair.Next() {
		leaf := pair.Value

		n := int64(1)
		for _, d := range leaf.Dims {
			n *= d
		}

		size += n/leaf.Type.BlockSize()*leaf.Type.TypeSize() + ml.TensorOverhead + 32
	}

	return size
}

// allocModel alloziert alle Gewichte des Beschreibungsbaums in einem
// frischen Context
func allocModel(desc *DescNode) *Model {
	m := &Model{
		ctx:     ml.NewContext(EstimateModelSize(desc)),
		weights: make(map[string]*ml.Tensor),
	}

	for pair := desc.Flatten().Oldest(); pair != nil; pair = pair.Next() {
		t := m.ctx.NewTensor(pair.Value.Type, pair.Value.Dims...)
		t.SetName(pair.Key)
		m.weights[pair.Key] = t
	}

	return m
}

// LoadModel alloziert die Gewichte laut desc und streamt die Records
// aus r hinein. Zurueckgegeben werden das Modell und die Pfade der
// tatsaechlich geladenen Gewichte.
func LoadModel(r io.Reader, desc *DescNode) (*Model, []string, error) {
	m := allocModel(desc)

	histogram := make([]int64, ml.HistogramBuckets)
	var loadedKeys []string

	tr := ggml.NewTensorReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			m.Close()
			return nil, nil, err
		}

		tensor := m.Get(header.Name)
		if tensor == nil {
			m.Close()
			return nil, nil, fmt.Errorf("%w: tensor %q not found in model definition", ggml.ErrFormat, header.Name)
		}

		if tensor.NumElements() != header.NumElements() {
			m.Close()
			return nil, nil, fmt.Errorf("%w: tensor %q has %d elements in its definition, but the stream has %d",
				ggml.ErrFormat, header.Name, tensor.NumElements(), header.NumElements())
		}

		if err := readIntoTensor(tr, header, tensor, histogram); err != nil {
			m.Close()
			return nil, nil, fmt.Errorf("unable to read into tensor %q: %w", header.Name, err)
		}

		loadedKeys = append(loadedKeys, header.Name)
	}

	logQuantizationHistogram(histogram)
	return m, loadedKeys, nil
}

// readIntoTensor liest die Record-Daten und konvertiert sie bei Bedarf
// in den Ziel-Typ des Tensors
func readIntoTensor(tr *ggml.TensorReader, header *ggml.TensorHeader, tensor *ml.Tensor, histogram []int64) error {
	if header.Type == tensor.Type {
		return tr.ReadData(tensor.Data())
	}

	// Quelle als F32 kanonisieren
	n := header.NumElements()
	raw := make([]byte, header.DataSize())
	if err := tr.ReadData(raw); err != nil {
		return err
	}

	f32s := make([]float32, n)
	switch header.Type {
	case ml.DTypeF32:
		copy(f32s, ml.F32View(raw))
	case ml.DTypeF16:
		ml.F16ToF32(raw, f32s)
	default:
		return fmt.Errorf("%w: cannot convert from %s, source must be f32 or f16", ggml.ErrFormat, header.Type)
	}

	switch tensor.Type {
	case ml.DTypeF32:
		copy(ml.F32View(tensor.Data()), f32s)
		return nil
	case ml.DTypeF16:
		ml.F32ToF16(f32s, tensor.Data())
		return nil
	}

	if !tensor.Type.Quantized() {
		return fmt.Errorf("%w: cannot convert %s to %s", ggml.ErrFormat, header.Type, tensor.Type)
	}

	// Blockweise Quantisierung entlang der schnellsten Achse
	return ml.QuantizeRow(tensor.Type, f32s, tensor.Data(), histogram)
}

func logQuantizationHistogram(histogram []int64) {
	var total int64
	for _, c := range histogram {
		total += c
	}

	if total == 0 {
		return
	}

	buckets := make([]float64, len(histogram))
	for i, c := range histogram {
		buckets[i] = float64(c) / float64(total)
	}

	slog.Debug("quantization code histogram", "buckets", buckets)
}

// ApplyTiedWeights kopiert fuer jedes (src, dst)-Paar die Bytes von
// src nach dst, wenn src geladen wurde und dst nicht. GPT-2 teilt so
// die Eingabe-Embeddings mit dem LM-Head.
func ApplyTiedWeights(m *Model, loadedKeys []string, srcWeights, dstWeights []string) {
	for i := range srcWeights {
		src, dst := srcWeights[i], dstWeights[i]

		if slices.Contains(loadedKeys, dst) || !slices.Contains(loadedKeys, src) {
			continue
		}

		srcTensor := m.Get(src)
		dstTensor := m.Get(dst)
		if srcTensor == nil || dstTensor == nil {
			continue
		}

		slog.Debug("aliasing tied weights", "src", src, "dst", dst)
		dstTensor.SetBytes(srcTensor.Data())
	}
}
