// Package runner - Completion-Cursor und Inferenz-Schleife
//
// Dieses Modul enthaelt:
// - Cursor: Zustand einer laufenden Vervollstaendigung (Prompt,
//   Token-Budget, KV-Memory-Position, Chunk-Ring, Cancel-Flag)
// - ExecStream: Prefill, inkrementelles Dekodieren, Chunk-Emission
//
// Ein Cursor gehoert genau einem Aufrufer. Er besitzt seine eigene
// KV-Memory und seinen eigenen Ausfuehrungspuffer; die Modellgewichte
// teilt er lesend mit anderen Cursorn. Nach ExecStream ist der Cursor
// verbraucht, weitere Aufrufe schlagen mit ErrSpent fehl.
package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/smspillaz/ggml-go/ml"
	"github.com/smspillaz/ggml-go/model"
	"github.com/smspillaz/ggml-go/sample"
)

// DefaultChunkSize ist die Chunk-Groesse, wenn der Aufrufer keine
// vorgibt. Kleinere Chunks senken die Latenz des ersten sichtbaren
// Texts, groessere den IPC-Overhead pro Schritt.
const DefaultChunkSize = 4

// ErrSpent wird zurueckgegeben, wenn ExecStream auf einem bereits
// verbrauchten oder terminierten Cursor aufgerufen wird
var ErrSpent = errors.New("completion cursor is spent")

// ErrCancelled meldet einen kooperativen Abbruch der Vervollstaendigung
var ErrCancelled = ml.ErrCancelled

// Chunk ist ein gestreamtes Text-Stueck
type Chunk struct {
	Text     string
	Complete bool
	EOS      bool
}

// Cursor generiert autoregressiv Tokens aus einem festen Prompt und
// streamt dekodierte Chunks
type Cursor struct {
	lm        *model.LanguageModel
	prompt    string
	maxTokens int32
	sampler   sample.Sampler
	nThreads  int

	nPast  int
	cancel atomic.Bool
	spent  atomic.Bool

	releaseOnce sync.Once
	release     func()
}

// NewCursor erstellt einen Cursor ueber lm. release wird genau einmal
// aufgerufen, wenn der Cursor terminiert wird (Referenz-Freigabe im
// Modell-Register).
func NewCursor(lm *model.LanguageModel, prompt string, maxTokens int32, sampler sample.Sampler, nThreads int, release func()) *Cursor {
	if sampler == nil {
		sampler = sample.NewGreedy()
	}

	return &Cursor{
		lm:        lm,
		prompt:    prompt,
		maxTokens: maxTokens,
		sampler:   sampler,
		nThreads:  nThreads,
		release:   release,
	}
}

// Terminate setzt den Cancel-Flag und gibt die Modell-Referenz frei.
// Ein laufendes ExecStream endet mit ErrCancelled; der Cursor ist
// danach verbraucht, auch wenn nie ein ExecStream lief.
func (c *Cursor) Terminate() {
	c.cancel.Store(true)
	c.spent.Store(true)
	c.releaseOnce.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
}

// ExecStream generiert bis zu numTokens Tokens und ruft emit fuer
// jeden Chunk auf: zuerst das Prompt-Durchreichen, dann alle
// chunkSize Tokens ein dekodiertes Stueck, zuletzt der Rest mit
// Complete=true. Zurueckgegeben wird die Vervollstaendigung ohne
// Prompt. Nach der Rueckkehr ist der Cursor verbraucht.
func (c *Cursor) ExecStream(numTokens int32, chunkSize int32, emit func(Chunk)) (string, error) {
	if c.spent.Swap(true) {
		return "", ErrSpent
	}

	if numTokens < 0 || numTokens > c.maxTokens {
		numTokens = c.maxTokens
	}

	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}

	if emit == nil {
		emit = func(Chunk) {}
	}

	promptIDs, err := c.lm.Tokenize(c.prompt)
	if err != nil {
		return "", fmt.Errorf("tokenizing prompt: %w", err)
	}

	// Prompt und Generierung muessen ins Kontextfenster passen
	nCtx := int(c.lm.Hyperparameters.NumCtx)
	if len(promptIDs) >= nCtx {
		return "", fmt.Errorf("prompt of %d tokens exceeds the context length %d", len(promptIDs), nCtx)
	}

	if int(numTokens) > nCtx-len(promptIDs) {
		numTokens = int32(nCtx - len(promptIDs))
	}

	// Initialer Chunk: der Original-Prompt wird durchgereicht, nicht
	// re-dekodiert
	if numTokens == 0 {
		emit(Chunk{Text: c.prompt, Complete: true})
		return "", nil
	}

	emit(Chunk{Text: c.prompt})

	if len(promptIDs) == 0 {
		return "", fmt.Errorf("prompt produced no tokens")
	}

	mem := c.lm.NewMemory()
	defer mem.Close()

	buf := c.lm.NewForwardBuffer(len(promptIDs) + int(numTokens))

	eos, hasEOS := c.lm.EOS()
	nVocab := int64(c.lm.Hyperparameters.NumVocab)

	ring := make([]int32, 0, chunkSize)
	var generated []int32
	var hitEOS bool

	flush := func(complete bool) {
		if len(ring) == 0 && !complete {
			return
		}

		emit(Chunk{Text: c.lm.Decode(ring), Complete: complete, EOS: hitEOS})
		ring = ring[:0]
	}

	// Prefill: der gesamte Prompt fuellt die KV-Memory in einem
	// Durchlauf
	logits, err := c.lm.ForwardStep(mem, buf, promptIDs, 0, c.nThreads, &c.cancel)
	if err != nil {
		return "", err
	}

	next, err := c.sampleOne(logits, nVocab)
	if err != nil {
		return "", err
	}

	ring = append(ring, next)
	generated = append(generated, next)
	c.nPast = len(promptIDs)

	if int32(len(ring)) == chunkSize {
		flush(false)
	}

	for i := int32(1); i < numTokens; i++ {
		if hasEOS && generated[len(generated)-1] == eos {
			hitEOS = true
			break
		}

		if c.cancel.Load() {
			flush(false)
			return c.lm.Decode(generated), ErrCancelled
		}

		logits, err := c.lm.ForwardStep(mem, buf, generated[len(generated)-1:], c.nPast+int(i)-1, c.nThreads, &c.cancel)
		if err != nil {
			if errors.Is(err, ml.ErrCancelled) {
				flush(false)
				return c.lm.Decode(generated), ErrCancelled
			}

			return "", err
		}

		next, err := c.sampleOne(logits, nVocab)
		if err != nil {
			return "", err
		}

		ring = append(ring, next)
		generated = append(generated, next)

		if int32(len(ring)) == chunkSize {
			flush(false)
		}
	}

	if !hitEOS && hasEOS && len(generated) > 0 && generated[len(generated)-1] == eos {
		hitEOS = true
	}

	// Rest-Ring als finalen Chunk ausgeben
	flush(true)

	slog.Debug("completion finished", "prompt_tokens", len(promptIDs), "generated", len(generated), "eos", hitEOS)
	return c.lm.Decode(generated), nil
}

func (c *Cursor) sampleOne(logits []float32, nVocab int64) (int32, error) {
	ids, err := c.sampler.Sample(logits, []int64{nVocab})
	if err != nil {
		return 0, err
	}

	if len(ids) != 1 {
		return 0, fmt.Errorf("sampler returned %d tokens for one position", len(ids))
	}

	return ids[0], nil
}
