// memory.go - KV-Memory fuer das inkrementelle Dekodieren
//
// Zwei 1-dimensionale F32-Tensoren k und v der Laenge
// n_layer * n_ctx * n_embd. Der Slot fuer Schicht l und Position p
// liegt bei Element l*n_ctx*n_embd + p*n_embd. Nach der Verarbeitung
// eines Tokens an Position p sind k und v fuer alle Positionen 0..=p
// jeder Schicht definiert.
package model

import (
	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/ml"
)

// KVMemory besitzt die Attention-Keys und -Values eines Cursors.
// Die Memory wird nicht zwischen Cursors geteilt: jeder Cursor baut
// seine eigene aus dem Prompt auf.
type KVMemory struct {
	ctx *ml.Context

	K *ml.Tensor
	V *ml.Tensor
}

// NewKVMemory alloziert eine leere KV-Memory fuer die gegebenen
// Hyperparameter
func NewKVMemory(hp *ggml.Hyperparameters) *KVMemory {
	n := int64(hp.NumLayer) * int64(hp.NumCtx) * int64(hp.NumEmbd)

	ctx := ml.NewContext(2*(n*4+ml.TensorOverhead) + 64)
	return &KVMemory{
		ctx: ctx,
		K:   ctx.NewTensor1D(ml.DTypeF32, n).SetName("memory/k"),
		V:   ctx.NewTensor1D(ml.DTypeF32, n).SetName("memory/v"),
	}
}

// Close gibt den Speicher der Memory frei
func (m *KVMemory) Close() {
	m.ctx.Close()
}
