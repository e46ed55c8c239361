// topk.go - Top-K/Top-P-Sampler mit reproduzierbarem Seed
//
// Ablauf pro Zeile: die groessten k Logits auswaehlen, Maximum
// abziehen, exponentieren, normalisieren, kumulieren, auf die kleinste
// Praefix-Masse >= p beschneiden, renormalisieren und uniform gegen
// den kumulierten Vektor ziehen.
package sample

import (
	"fmt"
	"math"
	"math/rand"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

type logit struct {
	id    int32
	value float64
}

// TopKTopP sampelt aus den k wahrscheinlichsten Tokens innerhalb der
// Wahrscheinlichkeitsmasse p
type TopKTopP struct {
	k   int
	p   float64
	rng *rand.Rand
}

// NewTopKTopP erstellt einen Top-K/Top-P-Sampler. k muss >= 1 sein und
// p in (0, 1] liegen. Mit gesetztem Seed ist die Auswahl
// reproduzierbar.
func NewTopKTopP(k int, p float64, seed int64) (*TopKTopP, error) {
	if k < 1 {
		return nil, fmt.Errorf("sample: top-k of %d", k)
	}

	if p <= 0 || p > 1 {
		return nil, fmt.Errorf("sample: top-p of %f outside (0, 1]", p)
	}

	return &TopKTopP{
		k:   k,
		p:   p,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// topK gibt die k groessten Logits einer Zeile absteigend sortiert
// zurueck. Die Auswahl laeuft ueber eine Min-Heap-Queue der Groesse k.
func topK(row []float32, k int) []logit {
	heap := pq.NewWith[logit](func(a, b logit) int {
		switch {
		case a.value < b.value:
			return -1
		case a.value > b.value:
			return 1
		default:
			return 0
		}
	})

	for i, v := range row {
		entry := logit{id: int32(i), value: float64(v)}

		if heap.Size() < k {
			heap.Enqueue(entry)
			continue
		}

		if smallest, _ := heap.Peek(); entry.value > smallest.value {
			heap.Dequeue()
			heap.Enqueue(entry)
		}
	}

	out := make([]logit, heap.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = heap.Dequeue()
	}

	return out
}

func (s *TopKTopP) Sample(logits []float32, shape []int64) ([]int32, error) {
	n, nr, err := rows(logits, shape)
	if err != nil {
		return nil, err
	}

	k := s.k
	if int64(k) > n {
		k = int(n)
	}

	out := make([]int32, nr)
	for r := int64(0); r < nr; r++ {
		top := topK(logits[r*n:(r+1)*n], k)

		// Softmax ueber die Top-K-Logits
		probs := make([]float64, len(top))
		for i, l := range top {
			probs[i] = l.value - top[0].value
		}

		for i := range probs {
			probs[i] = math.Exp(probs[i])
		}

		floats.Scale(1/floats.Sum(probs), probs)

		// Kleinste Praefix-Masse >= p finden und kumulieren
		cum := make([]float64, len(probs))
		floats.CumSum(cum, probs)

		limit := len(cum)
		for i, c := range cum {
			if c >= s.p {
				limit = i + 1
				break
			}
		}

		cum = cum[:limit]
		floats.Scale(1/cum[limit-1], cum)

		// Uniform in [0, 1) gegen den kumulierten Vektor ziehen
		pick := s.rng.Float64()
		chosen := top[limit-1].id
		for i, c := range cum {
			if pick < c {
				chosen = top[i].id
				break
			}
		}

		out[r] = chosen
	}

	return out, nil
}
