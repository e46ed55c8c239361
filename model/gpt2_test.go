// gpt2_test.go - Tests fuer den GPT-2-Forward-Pass und die KV-Memory
package model

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/smspillaz/ggml-go/ml"
	"github.com/smspillaz/ggml-go/sample"
)

// loadTinyModel laedt das leere Mini-Modell und fuellt die Gewichte
// deterministisch mit kleinen Pseudozufallswerten
func loadTinyModel(t *testing.T, seed int64) *LanguageModel {
	t.Helper()

	lm, err := LoadFromStream(context.Background(), bytes.NewReader(encodeTinyModel(t, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lm.Close)

	if seed == 0 {
		return lm
	}

	rng := rand.New(rand.NewSource(seed))
	for _, path := range lm.model.Paths() {
		tensor := lm.model.Get(path)

		vals := make([]float32, tensor.NumElements())
		for i := range vals {
			vals[i] = (rng.Float32() - 0.5) * 0.2
		}

		switch tensor.Type {
		case ml.DTypeF32:
			tensor.SetF32s(vals)
		case ml.DTypeF16:
			ml.F32ToF16(vals, tensor.Data())
		}
	}

	return lm
}

// TestForwardIncrementalMatchesPrefill prueft die zentrale
// KV-Memory-Invariante: ein Prefill ueber die ganze Sequenz und das
// tokenweise Dekodieren liefern dieselben Logits fuer die letzte
// Position
func TestForwardIncrementalMatchesPrefill(t *testing.T) {
	lm := loadTinyModel(t, 42)
	tokens := []int32{0, 1, 2, 3}

	// Prefill ueber die ganze Sequenz
	memFull := lm.NewMemory()
	defer memFull.Close()

	bufFull := lm.NewForwardBuffer(len(tokens))
	full, err := lm.ForwardStep(memFull, bufFull, tokens, 0, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Tokenweise mit wachsendem n_past
	memInc := lm.NewMemory()
	defer memInc.Close()

	bufInc := lm.NewForwardBuffer(len(tokens))

	var inc []float32
	for i, token := range tokens {
		inc, err = lm.ForwardStep(memInc, bufInc, []int32{token}, i, 2, nil)
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := range full {
		if diff := math.Abs(float64(full[i] - inc[i])); diff > 1e-4 {
			t.Fatalf("logit[%d]: prefill %f vs inkrementell %f (diff %g)", i, full[i], inc[i], diff)
		}
	}
}

// TestForwardDeterministic prueft, dass zwei Durchlaeufe mit gleichen
// Gewichten identische Logits liefern
func TestForwardDeterministic(t *testing.T) {
	lm := loadTinyModel(t, 7)

	run := func() []float32 {
		mem := lm.NewMemory()
		defer mem.Close()

		logits, err := lm.ForwardStep(mem, lm.NewForwardBuffer(2), []int32{1, 2}, 0, 2, nil)
		if err != nil {
			t.Fatal(err)
		}

		return logits
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit[%d] nicht deterministisch: %f vs %f", i, a[i], b[i])
		}
	}
}

// TestCompleteGreedy prueft die synchrone Vervollstaendigung mit dem
// Argmax-Sampler auf dem Null-Modell: alle Logits sind 0, argmax
// waehlt stets Token 0
func TestCompleteGreedy(t *testing.T) {
	lm := loadTinyModel(t, 0)

	completion, eos, err := lm.Complete("ab", 3, sample.NewGreedy(), 2)
	if err != nil {
		t.Fatal(err)
	}

	if eos {
		t.Error("Null-Modell darf kein EOS erreichen")
	}

	if completion != "ababab" {
		t.Errorf("erwartet \"ababab\", bekommen %q", completion)
	}
}

// TestCompleteZeroTokens prueft die Randbedingung num_tokens == 0
func TestCompleteZeroTokens(t *testing.T) {
	lm := loadTinyModel(t, 0)

	completion, eos, err := lm.Complete("ab", 0, sample.NewGreedy(), 1)
	if err != nil {
		t.Fatal(err)
	}

	if completion != "" || eos {
		t.Errorf("erwartet leere Vervollstaendigung, bekommen %q (eos %v)", completion, eos)
	}
}

// TestKVMemorySlots prueft die Slot-Arithmetik der Memory-Tensoren
func TestKVMemorySlots(t *testing.T) {
	hp := tinyHyperparameters()
	mem := NewKVMemory(hp)
	defer mem.Close()

	want := int64(hp.NumLayer) * int64(hp.NumCtx) * int64(hp.NumEmbd)
	if mem.K.NumElements() != want || mem.V.NumElements() != want {
		t.Errorf("Memory-Groesse: erwartet %d, bekommen %d/%d", want, mem.K.NumElements(), mem.V.NumElements())
	}
}
