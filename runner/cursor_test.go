// cursor_test.go - Tests fuer den Completion-Cursor
package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/model"
)

// tinyLanguageModel laedt ein Null-Gewichts-Modell: alle Logits sind
// 0, der Argmax-Sampler waehlt stets Token 0 ("ab")
func tinyLanguageModel(t *testing.T) *model.LanguageModel {
	t.Helper()

	hp := &ggml.Hyperparameters{
		NumVocab: 4,
		NumCtx:   16,
		NumEmbd:  4,
		NumHead:  2,
		NumLayer: 1,
		FileType: int32(ggml.FileTypeF32),
	}

	var buf bytes.Buffer
	enc := ggml.NewEncoder(&buf)
	if err := enc.WriteHeader(hp, []string{"ab", "bc", "c", "d"}); err != nil {
		t.Fatal(err)
	}

	lm, err := model.LoadFromStream(context.Background(), bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(lm.Close)

	return lm
}

func collectChunks(chunks *[]Chunk) func(Chunk) {
	return func(c Chunk) {
		*chunks = append(*chunks, c)
	}
}

// TestExecZeroTokens prueft die Randbedingung Exec(0): leere
// Vervollstaendigung und genau ein Chunk (das Prompt-Durchreichen)
func TestExecZeroTokens(t *testing.T) {
	cursor := NewCursor(tinyLanguageModel(t), "ab", 8, nil, 1, nil)

	var chunks []Chunk
	completion, err := cursor.ExecStream(0, 4, collectChunks(&chunks))
	if err != nil {
		t.Fatal(err)
	}

	if completion != "" {
		t.Errorf("erwartet leere Vervollstaendigung, bekommen %q", completion)
	}
	if len(chunks) != 1 || chunks[0].Text != "ab" {
		t.Errorf("erwartet genau den Prompt-Chunk, bekommen %+v", chunks)
	}
}

// TestExecChunking prueft die Chunk-Grenzen: chunk_size=1 liefert
// einen Chunk pro Token, und die Konkatenation ergibt Prompt plus
// Vervollstaendigung
func TestExecChunking(t *testing.T) {
	cursor := NewCursor(tinyLanguageModel(t), "ab", 8, nil, 1, nil)

	var chunks []Chunk
	completion, err := cursor.ExecStream(3, 1, collectChunks(&chunks))
	if err != nil {
		t.Fatal(err)
	}

	if completion != "ababab" {
		t.Errorf("erwartet \"ababab\", bekommen %q", completion)
	}

	var concat strings.Builder
	var tokenChunks int
	for i, c := range chunks {
		concat.WriteString(c.Text)

		if i > 0 && c.Text != "" {
			tokenChunks++
		}

		if (i == len(chunks)-1) != c.Complete {
			t.Errorf("Complete-Flag falsch auf Chunk %d: %+v", i, c)
		}
	}

	if tokenChunks != 3 {
		t.Errorf("chunk_size=1: erwartet 3 Token-Chunks, bekommen %d", tokenChunks)
	}

	if concat.String() != "ab"+completion {
		t.Errorf("Konkatenation %q != Prompt+Vervollstaendigung %q", concat.String(), "ab"+completion)
	}
}

// TestExecChunkBoundary prueft floor(k/chunk_size) Zwischen-Chunks
// plus finalen Rest
func TestExecChunkBoundary(t *testing.T) {
	cursor := NewCursor(tinyLanguageModel(t), "ab", 16, nil, 1, nil)

	var chunks []Chunk
	completion, err := cursor.ExecStream(7, 4, collectChunks(&chunks))
	if err != nil {
		t.Fatal(err)
	}

	if len(completion) != 7*2 {
		t.Errorf("erwartet 7 Tokens, bekommen %q", completion)
	}

	// Prompt-Chunk + 1 voller Chunk (4 Tokens) + finaler Rest (3)
	if len(chunks) != 3 {
		t.Errorf("erwartet 3 Chunks, bekommen %d: %+v", len(chunks), chunks)
	}

	var concat strings.Builder
	for _, c := range chunks {
		concat.WriteString(c.Text)
	}

	if concat.String() != "ab"+completion {
		t.Errorf("Konkatenation falsch: %q", concat.String())
	}
}

// TestSpentCursor prueft, dass ein zweites Exec mit ErrSpent
// fehlschlaegt
func TestSpentCursor(t *testing.T) {
	cursor := NewCursor(tinyLanguageModel(t), "ab", 4, nil, 1, nil)

	if _, err := cursor.ExecStream(1, 1, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := cursor.ExecStream(1, 1, nil); !errors.Is(err, ErrSpent) {
		t.Errorf("erwartet ErrSpent, bekommen %v", err)
	}
}

// TestTerminateReleasesOnce prueft, dass die Modell-Referenz genau
// einmal freigegeben wird und ein terminierter Cursor verbraucht ist
func TestTerminateReleasesOnce(t *testing.T) {
	var released int
	cursor := NewCursor(tinyLanguageModel(t), "ab", 4, nil, 1, func() { released++ })

	cursor.Terminate()
	cursor.Terminate()

	if released != 1 {
		t.Errorf("release muss genau einmal laufen, lief %d mal", released)
	}

	if _, err := cursor.ExecStream(1, 1, nil); !errors.Is(err, ErrSpent) {
		t.Errorf("erwartet ErrSpent nach Terminate, bekommen %v", err)
	}
}

// TestCancelDuringExec prueft den kooperativen Abbruch ueber den
// Cancel-Flag des Cursors
func TestCancelDuringExec(t *testing.T) {
	lm := tinyLanguageModel(t)

	var released int
	cursor := NewCursor(lm, "ab", 1024, nil, 1, func() { released++ })

	// Nach dem ersten Chunk terminieren; die Schleife sieht den Flag
	// an der naechsten Schritt-Grenze
	started := false
	_, err := cursor.ExecStream(1024, 1, func(Chunk) {
		if !started {
			started = true
			cursor.Terminate()
		}
	})

	if !errors.Is(err, ErrCancelled) {
		t.Errorf("erwartet ErrCancelled, bekommen %v", err)
	}

	if released != 1 {
		t.Errorf("Terminate muss die Referenz freigeben, released=%d", released)
	}
}

// TestMaxTokenBudget prueft, dass num_tokens am Budget des Cursors
// gedeckelt wird
func TestMaxTokenBudget(t *testing.T) {
	cursor := NewCursor(tinyLanguageModel(t), "ab", 2, nil, 1, nil)

	completion, err := cursor.ExecStream(100, 4, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(completion) != 2*2 {
		t.Errorf("erwartet 2 Tokens, bekommen %q", completion)
	}
}
