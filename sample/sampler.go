// Package sample - Sampler: Logits -> Token-Ids
//
// Dieses Modul enthaelt:
// - Sampler: das Sampler-Interface
// - Greedy: Argmax-Sampler
//
// Ein Sampler erhaelt einen Logits-Puffer samt Shape (ne[0] = n_vocab,
// eine Zeile pro Position) und gibt pro Zeile eine Token-Id zurueck.
package sample

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Sampler waehlt aus Logits Token-Ids. Implementierungen muessen bei
// gleichem Seed reproduzierbar sein.
type Sampler interface {
	Sample(logits []float32, shape []int64) ([]int32, error)
}

// rows zerlegt den Logits-Puffer anhand der Shape in Zeilen der Laenge
// shape[0]
func rows(logits []float32, shape []int64) (int64, int64, error) {
	if len(shape) == 0 || shape[0] <= 0 {
		return 0, 0, fmt.Errorf("sample: invalid logits shape %v", shape)
	}

	n := shape[0]
	rows := int64(len(logits)) / n
	if rows*n != int64(len(logits)) {
		return 0, 0, fmt.Errorf("sample: %d logits do not divide into rows of %d", len(logits), n)
	}

	return n, rows, nil
}

// Greedy ist der Argmax-Sampler: pro Zeile die Id des groessten Logits
type Greedy struct{}

// NewGreedy erstellt einen Argmax-Sampler
func NewGreedy() Greedy {
	return Greedy{}
}

func (Greedy) Sample(logits []float32, shape []int64) ([]int32, error) {
	n, nr, err := rows(logits, shape)
	if err != nil {
		return nil, err
	}

	out := make([]int32, nr)
	for r := int64(0); r < nr; r++ {
		row := make([]float64, n)
		for i, v := range logits[r*n : (r+1)*n] {
			row[i] = float64(v)
		}

		out[r] = int32(floats.MaxIdx(row))
	}

	return out, nil
}
