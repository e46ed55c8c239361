// gpt2.go - GPT-2: Beschreibungsbaum und Forward-Pass
//
// Dieses Modul enthaelt:
// - GPT2Desc: Gewichts-Layout eines GPT-2-Modells aus Hyperparametern
// - Forward: Embedding + N Decoder-Bloecke mit kausaler MHA ueber die
//   KV-Memory, finale LayerNorm und LM-Head
//
// Der Forward-Pass definiert nur den Compute-Graph; ausgefuehrt wird er
// vom Graph-Executor. Die Keys/Values des aktuellen Schritts werden in
// die KV-Memory-Slots der Positionen n_past..n_past+T geschrieben und
// die Attention liest alle Positionen 0..n_past+T, wodurch das
// inkrementelle Dekodieren linear statt quadratisch wird.
package model

import (
	"math"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/ml"
)

const layerNormEps = 1e-5

// GPT2Desc erstellt den Beschreibungsbaum fuer ein GPT-2-Modell.
// Rang-2-Gewichte sind standardmaessig F16, Vektoren F32.
func GPT2Desc(nVocab, dModel, dFF, nLayer, nCtx int64) *DescNode {
	vector := []int64{dModel}

	root := NewDescNode()
	m := NewDescNode()
	root.Set("model", m)

	m.Set("wte", NewDescLeaf([]int64{dModel, nVocab}, ml.DTypeF16))
	m.Set("wpe", NewDescLeaf([]int64{dModel, nCtx}, ml.DTypeF32))

	for i := int64(0); i < nLayer; i++ {
		layer := NewDescNode()

		layer.Set("ln_1", NewDescNode().
			Set("g", NewDescLeaf(vector, ml.DTypeF32)).
			Set("b", NewDescLeaf(vector, ml.DTypeF32)))
		layer.Set("ln_2", NewDescNode().
			Set("g", NewDescLeaf(vector, ml.DTypeF32)).
			Set("b", NewDescLeaf(vector, ml.DTypeF32)))
		layer.Set("attn", NewDescNode().
			Set("c_attn", NewDescNode().
				Set("w", NewDescLeaf([]int64{dModel, 3 * dModel}, ml.DTypeF16)).
				Set("b", NewDescLeaf([]int64{3 * dModel}, ml.DTypeF32))).
			Set("c_proj", NewDescNode().
				Set("w", NewDescLeaf([]int64{dModel, dModel}, ml.DTypeF16)).
				Set("b", NewDescLeaf(vector, ml.DTypeF32))))
		layer.Set("mlp", NewDescNode().
			Set("c_fc", NewDescNode().
				Set("w", NewDescLeaf([]int64{dModel, dFF}, ml.DTypeF16)).
				Set("b", NewDescLeaf([]int64{dFF}, ml.DTypeF32))).
			Set("c_proj", NewDescNode().
				Set("w", NewDescLeaf([]int64{dFF, dModel}, ml.DTypeF16)).
				Set("b", NewDescLeaf(vector, ml.DTypeF32))))

		m.Set("h"+itoa(i), layer)
	}

	m.Set("ln_f", NewDescNode().
		Set("g", NewDescLeaf(vector, ml.DTypeF32)).
		Set("b", NewDescLeaf(vector, ml.DTypeF32)))
	m.Set("lm_head", NewDescLeaf([]int64{dModel, nVocab}, ml.DTypeF16))

	return root
}

// GPT2DescFromHyperparameters erstellt den Beschreibungsbaum mit der
// GPT-2-Konvention d_ff = 4 * n_embd
func GPT2DescFromHyperparameters(hp *ggml.Hyperparameters) *DescNode {
	return GPT2Desc(int64(hp.NumVocab), int64(hp.NumEmbd), 4*int64(hp.NumEmbd), int64(hp.NumLayer), int64(hp.NumCtx))
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}

	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	return string(buf[pos:])
}

// nnLinear baut y = W x + b. Das Bias broadcastet ueber Repeat; b darf
// nil sein.
func nnLinear(ctx *ml.Context, input, weight, bias *ml.Tensor) *ml.Tensor {
	out := ml.MulMat(ctx, weight, input)
	if bias == nil {
		return out
	}

	return ml.Add(ctx, out, ml.Repeat(ctx, bias, out))
}

// nnLayerNorm baut die LayerNorm mit elementweiser Skala g und
// Verschiebung b
func nnLayerNorm(ctx *ml.Context, input, g, b *ml.Tensor) *ml.Tensor {
	norm := ml.Norm(ctx, input, layerNormEps)
	scaled := ml.Mul(ctx, norm, ml.Repeat(ctx, g, norm))
	return ml.Add(ctx, scaled, ml.Repeat(ctx, b, norm))
}

// causalSelfAttention baut die kausale Multi-Head-Attention eines
// Blocks. Die aktuellen Keys/Values werden per Cpy in die
// KV-Memory-Slots geschrieben; die Cpy-Knoten werden zurueckgegeben,
// damit der Aufrufer sie in den Graphen expandiert.
func causalSelfAttention(ctx *ml.Context, m *Model, input *ml.Tensor, layer int64, hp *ggml.Hyperparameters, mem *KVMemory, nPast, nTokens int64) (out, saveK, saveV *ml.Tensor) {
	nEmbd := int64(hp.NumEmbd)
	nHead := int64(hp.NumHead)
	nCtx := int64(hp.NumCtx)
	dHead := nEmbd / nHead

	prefix := "model/h" + itoa(layer) + "/attn/"
	qkv := nnLinear(ctx, input, m.Get(prefix+"c_attn/w"), m.Get(prefix+"c_attn/b"))

	q := ml.View2D(ctx, qkv, nEmbd, nTokens, 0*nEmbd)
	k := ml.View2D(ctx, qkv, nEmbd, nTokens, 1*nEmbd)
	v := ml.View2D(ctx, qkv, nEmbd, nTokens, 2*nEmbd)

	// Aktuelle Keys/Values in die Memory-Slots dieser Schicht schreiben
	curK := ml.View1D(ctx, mem.K, nTokens*nEmbd, nEmbd*(layer*nCtx+nPast))
	curV := ml.View1D(ctx, mem.V, nTokens*nEmbd, nEmbd*(layer*nCtx+nPast))
	saveK = ml.Cpy(ctx, k, curK)
	saveV = ml.Cpy(ctx, v, curV)

	// Query zusammenhaengend machen und nach [d_head, T, n_head] permutieren
	qCont := ml.Cpy(ctx, q, ctx.NewTensor3D(ml.DTypeF32, dHead, nHead, nTokens))
	qPerm := ml.Permute(ctx, qCont, 0, 2, 1, 3)

	// Alle bisherigen Positionen dieser Schicht lesen
	allK := ml.View1D(ctx, mem.K, (nPast+nTokens)*nEmbd, layer*nCtx*nEmbd)
	allV := ml.View1D(ctx, mem.V, (nPast+nTokens)*nEmbd, layer*nCtx*nEmbd)

	kPerm := ml.Permute(ctx, ml.Reshape3D(ctx, allK, dHead, nHead, nPast+nTokens), 0, 2, 1, 3)

	vPerm := ml.Permute(ctx, ml.Reshape3D(ctx, allV, dHead, nHead, nPast+nTokens), 1, 2, 0, 3)
	vCont := ml.Cpy(ctx, vPerm, ctx.NewTensor3D(ml.DTypeF32, nPast+nTokens, dHead, nHead))

	kq := ml.MulMat(ctx, kPerm, qPerm)
	scale := ctx.NewScalarF32(float32(1.0 / math.Sqrt(float64(dHead))))
	kqScaled := ml.ScaleInplace(ctx, kq, scale)
	kqMasked := ml.DiagMaskInfInplace(ctx, kqScaled, int(nPast))
	kqSoftMax := ml.SoftMaxInplace(ctx, kqMasked)

	kqv := ml.MulMat(ctx, vCont, kqSoftMax)
	kqvPerm := ml.Permute(ctx, kqv, 0, 2, 1, 3)
	kqvCont := ml.Cpy(ctx, kqvPerm, ctx.NewTensor2D(ml.DTypeF32, nEmbd, nTokens))

	out = nnLinear(ctx, kqvCont, m.Get(prefix+"c_proj/w"), m.Get(prefix+"c_proj/b"))
	return out, saveK, saveV
}

// decoderLayer baut einen kompletten Decoder-Block: LayerNorm,
// Attention mit Residual, LayerNorm, MLP mit GELU und Residual
func decoderLayer(ctx *ml.Context, m *Model, input *ml.Tensor, layer int64, hp *ggml.Hyperparameters, mem *KVMemory, nPast, nTokens int64) (out, saveK, saveV *ml.Tensor) {
	prefix := "model/h" + itoa(layer) + "/"

	ln1 := nnLayerNorm(ctx, input, m.Get(prefix+"ln_1/g"), m.Get(prefix+"ln_1/b"))
	attn, saveK, saveV := causalSelfAttention(ctx, m, ln1, layer, hp, mem, nPast, nTokens)
	residual := ml.Add(ctx, attn, input)

	ln2 := nnLayerNorm(ctx, residual, m.Get(prefix+"ln_2/g"), m.Get(prefix+"ln_2/b"))
	up := nnLinear(ctx, ln2, m.Get(prefix+"mlp/c_fc/w"), m.Get(prefix+"mlp/c_fc/b"))
	act := ml.GELU(ctx, up)
	down := nnLinear(ctx, act, m.Get(prefix+"mlp/c_proj/w"), m.Get(prefix+"mlp/c_proj/b"))

	return ml.Add(ctx, down, residual), saveK, saveV
}

// Forward baut den Forward-Pass-Graphen fuer die gegebenen Tokens bei
// Position nPast und gibt den Logits-Tensor [n_vocab, T] zurueck. Die
// KV-Schreibknoten werden direkt in graph expandiert.
func Forward(ctx *ml.Context, m *Model, hp *ggml.Hyperparameters, mem *KVMemory, tokens []int32, nPast int64, graph *ml.Graph) *ml.Tensor {
	nTokens := int64(len(tokens))

	embdIdx := ctx.NewTensor1D(ml.DTypeI32, nTokens)
	embdIdx.SetI32s(tokens)

	positions := make([]int32, nTokens)
	for i := range positions {
		positions[i] = int32(nPast) + int32(i)
	}

	posIdx := ctx.NewTensor1D(ml.DTypeI32, nTokens)
	posIdx.SetI32s(positions)

	wteRows := ml.GetRows(ctx, m.Get("model/wte"), embdIdx)
	wpeRows := ml.GetRows(ctx, m.Get("model/wpe"), posIdx)

	residual := ml.Add(ctx, wteRows, wpeRows)

	for layer := int64(0); layer < int64(hp.NumLayer); layer++ {
		var saveK, saveV *ml.Tensor
		residual, saveK, saveV = decoderLayer(ctx, m, residual, layer, hp, mem, nPast, nTokens)

		// KV-Schreibknoten expandieren, damit die Memory in diesem
		// Durchlauf aktualisiert wird
		graph.BuildForwardExpand(saveK)
		graph.BuildForwardExpand(saveV)
	}

	final := nnLayerNorm(ctx, residual, m.Get("model/ln_f/g"), m.Get("model/ln_f/b"))
	return nnLinear(ctx, final, m.Get("model/lm_head"), nil)
}
