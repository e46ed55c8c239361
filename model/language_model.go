// language_model.go - Sprachmodell-Fassade
//
// Dieses Modul enthaelt:
// - LanguageModel: Hyperparameter + Woerterbuch + Gewichte
// - LoadFromStream: Magic, Hyperparameter, Vokabular, Gewichte
// - ForwardStep: ein Forward-Pass ueber den Tensor-Laufzeitkern
// - Complete: synchrone Vervollstaendigung ohne Streaming
//
// Die Fassade ist zustandslos gegenueber einzelnen Vervollstaendigungen:
// KV-Memory und Ausfuehrungspuffer gehoeren dem Aufrufer (dem Cursor),
// die Gewichte werden nur gelesen und koennen zwischen Cursors geteilt
// werden.
package model

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/format"
	"github.com/smspillaz/ggml-go/ml"
	"github.com/smspillaz/ggml-go/sample"
)

// tiedWeightSources und tiedWeightTargets sind die bekannten
// (Quelle, Ziel)-Paare fuer Gewichts-Aliasing
var (
	tiedWeightSources = []string{"model/wte"}
	tiedWeightTargets = []string{"model/lm_head"}
)

// LanguageModel buendelt Hyperparameter, Token-Woerterbuch und
// Gewichte eines geladenen GPT-2-Modells
type LanguageModel struct {
	Hyperparameters *ggml.Hyperparameters
	Dictionary      *TokenDictionary

	model *Model
}

// QuantizationPlan beschreibt die On-Load-Quantisierung: Ziel-Typ und
// Pfad-Auswahl per Regex
type QuantizationPlan struct {
	Type    ml.DType
	Include []string
	Exclude []string
}

// DefaultQuantizeInclude waehlt die Rang-2-Gewichte, die GPT-2
// ueblicherweise quantisiert: Attention-, MLP- und Embedding-Matrizen
var DefaultQuantizeInclude = []string{
	"model/wte",
	"model/lm_head",
	"model/h.*/attn/c_attn/w",
	"model/h.*/attn/c_proj/w",
	"model/h.*/mlp/c_fc/w",
	"model/h.*/mlp/c_proj/w",
}

// LoadFromStream liest ein Sprachmodell aus r: Magic, Hyperparameter,
// Woerterbuch und Gewichte. plan ist optional und schreibt die
// Ziel-Typen der gewaehlten Gewichte vor dem Laden um. ctx bricht den
// Ladevorgang zwischen Abschnitten ab.
func LoadFromStream(ctx context.Context, r io.Reader, plan *QuantizationPlan) (*LanguageModel, error) {
	start := time.Now()

	if err := ggml.ReadMagic(r); err != nil {
		return nil, err
	}

	hp, err := ggml.ReadHyperparameters(r)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc := GPT2DescFromHyperparameters(hp)
	if plan != nil {
		desc, err = ConfigureQuantization(desc, plan.Type, plan.Include, plan.Exclude)
		if err != nil {
			return nil, err
		}
	}

	words, err := ggml.ReadVocabulary(r, hp.NumVocab)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, loadedKeys, err := LoadModel(r, desc)
	if err != nil {
		return nil, err
	}

	ApplyTiedWeights(m, loadedKeys, tiedWeightSources, tiedWeightTargets)

	slog.Info("model loaded",
		"n_vocab", hp.NumVocab,
		"n_ctx", hp.NumCtx,
		"n_embd", hp.NumEmbd,
		"n_head", hp.NumHead,
		"n_layer", hp.NumLayer,
		"ftype", ggml.ParseFileType(hp.FileType),
		"size", format.HumanBytes2(uint64(EstimateModelSize(desc))),
		"duration", time.Since(start))

	return &LanguageModel{
		Hyperparameters: hp,
		Dictionary:      NewTokenDictionary(words),
		model:           m,
	}, nil
}

// Close gibt die Gewichte des Modells frei
func (lm *LanguageModel) Close() {
	lm.model.Close()
}

// NewMemory alloziert eine leere KV-Memory fuer dieses Modell
func (lm *LanguageModel) NewMemory() *KVMemory {
	return NewKVMemory(lm.Hyperparameters)
}

// ForwardBufferSize gibt die Puffer-Groesse zurueck, die ein
// Forward-Pass ueber hoechstens nTokens Positionen benoetigt
func (lm *LanguageModel) ForwardBufferSize(nTokens int) int64 {
	hp := lm.Hyperparameters
	nEmbd := int64(hp.NumEmbd)
	nCtx := int64(hp.NumCtx)
	nHead := int64(hp.NumHead)
	t := int64(nTokens)
	if t > nCtx {
		t = nCtx
	}

	// Pro Schicht: alle [n_embd, T]-Zwischenergebnisse (QKV, LayerNorms,
	// MLP samt Bias-Broadcasts), die zusammenhaengende V-Kopie ueber
	// alle bisherigen Positionen und die Attention-Matrix; dazu Logits,
	// Embeddings und die Metadaten-Pauschale aller Graph-Knoten
	perLayer := 64*nEmbd*t*4 + nCtx*nEmbd*4 + nCtx*t*nHead*4
	fixed := int64(hp.NumVocab)*t*4 + 16*nEmbd*t*4 + ml.DefaultGraphSize*ml.TensorOverhead

	return int64(hp.NumLayer)*perLayer + fixed + 4*1024*1024
}

// NewForwardBuffer alloziert einen wiederverwendbaren
// Ausfuehrungspuffer fuer Forward-Passes ueber nTokens Positionen
func (lm *LanguageModel) NewForwardBuffer(nTokens int) []byte {
	return make([]byte, lm.ForwardBufferSize(nTokens))
}

// ForwardStep fuehrt einen Forward-Pass ueber tokens bei Position
// nPast aus und gibt die Logits der letzten Position zurueck. buf ist
// der wiederverwendbare Ausfuehrungspuffer, abort bricht die
// Berechnung an Knotengrenzen ab.
func (lm *LanguageModel) ForwardStep(mem *KVMemory, buf []byte, tokens []int32, nPast int, nThreads int, abort *atomic.Bool) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward pass without input tokens")
	}

	ctx := ml.NewContextFromBuffer(buf)
	graph := ml.NewGraph(ml.DefaultGraphSize)

	logits := Forward(ctx, lm.model, lm.Hyperparameters, mem, tokens, int64(nPast), graph)
	graph.BuildForwardExpand(logits)

	plan := ml.NewPlan(graph, nThreads)
	defer plan.Close()

	plan.UseAbort(abort)

	if err := graph.Compute(plan); err != nil {
		return nil, err
	}

	nVocab := int64(lm.Hyperparameters.NumVocab)
	last := (int64(len(tokens)) - 1) * nVocab
	out := make([]float32, nVocab)
	copy(out, logits.F32s()[last:last+nVocab])

	return out, nil
}

// Tokenize kodiert s mit dem Woerterbuch des Modells
func (lm *LanguageModel) Tokenize(s string) ([]int32, error) {
	return Tokenize(lm.Dictionary, s)
}

// Decode dekodiert Token-Ids zu Text
func (lm *LanguageModel) Decode(ids []int32) string {
	return lm.Dictionary.Decode(ids)
}

// EOS gibt die Id des End-of-Sequence-Tokens zurueck, falls vorhanden
func (lm *LanguageModel) EOS() (int32, bool) {
	return lm.Dictionary.EOS()
}

// Complete vervollstaendigt prompt um numTokens Tokens ohne Streaming.
// Zurueckgegeben wird der generierte Text (ohne Prompt) und ob ein
// EOS-Token erreicht wurde.
func (lm *LanguageModel) Complete(prompt string, numTokens int, sampler sample.Sampler, nThreads int) (string, bool, error) {
	promptIDs, err := lm.Tokenize(prompt)
	if err != nil {
		return "", false, err
	}

	if numTokens == 0 {
		return "", false, nil
	}

	nCtx := int(lm.Hyperparameters.NumCtx)
	if len(promptIDs) >= nCtx {
		return "", false, fmt.Errorf("prompt of %d tokens exceeds the context length %d", len(promptIDs), nCtx)
	}

	if numTokens > nCtx-len(promptIDs) {
		numTokens = nCtx - len(promptIDs)
	}

	mem := lm.NewMemory()
	defer mem.Close()

	buf := lm.NewForwardBuffer(len(promptIDs) + numTokens)
	eos, hasEOS := lm.EOS()
	nVocab := int64(lm.Hyperparameters.NumVocab)

	var generated []int32

	// Prefill: der gesamte Prompt in einem Durchlauf
	logits, err := lm.ForwardStep(mem, buf, promptIDs, 0, nThreads, nil)
	if err != nil {
		return "", false, err
	}

	next, err := sampleOne(sampler, logits, nVocab)
	if err != nil {
		return "", false, err
	}

	generated = append(generated, next)

	// Dekodieren: ein Token pro Durchlauf gegen die KV-Memory
	for i := 1; i < numTokens; i++ {
		if hasEOS && generated[len(generated)-1] == eos {
			return lm.Decode(generated), true, nil
		}

		nPast := len(promptIDs) + i - 1
		logits, err := lm.ForwardStep(mem, buf, generated[len(generated)-1:], nPast, nThreads, nil)
		if err != nil {
			return "", false, err
		}

		next, err := sampleOne(sampler, logits, nVocab)
		if err != nil {
			return "", false, err
		}

		generated = append(generated, next)
	}

	isEOS := hasEOS && generated[len(generated)-1] == eos
	return lm.Decode(generated), isEOS, nil
}

func sampleOne(sampler sample.Sampler, logits []float32, nVocab int64) (int32, error) {
	ids, err := sampler.Sample(logits, []int64{nVocab})
	if err != nil {
		return 0, err
	}

	if len(ids) != 1 {
		return 0, fmt.Errorf("sampler returned %d tokens for a single position", len(ids))
	}

	return ids[0], nil
}
