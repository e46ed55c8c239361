// kernels.go - Numerische Kernel der Op-Ausfuehrung
//
// Alle Kernel arbeiten zeilenweise: eine Zeile sind die ne[0] Elemente
// entlang der am schnellsten variierenden Dimension. Zeilen muessen
// elementweise zusammenhaengend sein (nb[0] == TypeSize), die hoeheren
// Strides sind beliebig, so dass Views und Permutationen direkt
// verarbeitet werden.
package ml

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

func f32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func f32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}

// F32View interpretiert ein Byte-Slice als float32-Slice, ohne Kopie
func F32View(b []byte) []float32 {
	return f32view(b)
}

// f32view interpretiert ein Byte-Slice als float32-Slice
func f32view(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}

	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// f16view interpretiert ein Byte-Slice als uint16-Slice (F16-Bits)
func f16view(b []byte) []uint16 {
	if len(b) == 0 {
		return nil
	}

	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// rowOffset gibt den Byte-Offset der Zeile r im Tensor t zurueck,
// wobei r die Dimensionen 1..3 flach durchlaeuft
func rowOffset(t *Tensor, r int64) int64 {
	i1 := r % t.ne[1]
	i2 := (r / t.ne[1]) % t.ne[2]
	i3 := r / (t.ne[1] * t.ne[2])
	return i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
}

// rowF32 gibt die Zeile r von t als float32-Slice zurueck. t muss
// F32-Elemente mit nb[0] == 4 haben.
func rowF32(t *Tensor, r int64) []float32 {
	if t.Type != DTypeF32 || t.nb[0] != 4 {
		panic(fmt.Sprintf("ml: f32 row access on %s tensor with nb0=%d", t.Type, t.nb[0]))
	}

	off := rowOffset(t, r)
	return f32view(t.data[off : off+t.ne[0]*4])
}

func numRows(t *Tensor) int64 {
	return t.ne[1] * t.ne[2] * t.ne[3]
}

// computeBinary fuehrt eine elementweise Zweistellen-Op aus. Die
// Quellen haben dieselbe Shape wie das Ziel.
func computeBinary(node *Tensor, plan *Plan, fn func(x, y float32) float32) error {
	a, b := node.src[0], node.src[1]

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			dst := rowF32(node, r)
			x := rowF32(a, r)
			y := rowF32(b, r)
			for i := range dst {
				dst[i] = fn(x[i], y[i])
			}
		}

		return nil
	})
}

// computeMulMat berechnet dst[m,p] = sum_k a[k,m] * b[k,p]. Zeilen von
// a, die nicht in F32 vorliegen, werden in den Worker-Scratch des
// Plans dequantisiert.
func computeMulMat(node *Tensor, plan *Plan) error {
	a, b := node.src[0], node.src[1]

	ne00 := a.ne[0]
	ne01 := a.ne[1]

	// dst ist zusammenhaengend: Zeile = (p, Batch), Spalten m
	return rowRange(plan, numRows(node), func(worker int, r0, r1 int64) error {
		var scratch []float32
		if a.Type != DTypeF32 {
			scratch = plan.workerScratch(worker, ne00)
		}

		for r := r0; r < r1; r++ {
			p := r % node.ne[1]
			i2 := (r / node.ne[1]) % node.ne[2]
			i3 := r / (node.ne[1] * node.ne[2])

			dst := rowF32(node, r)
			bRow := f32view(b.data[p*b.nb[1]+i2*b.nb[2]+i3*b.nb[3]:])[:ne00]

			for m := int64(0); m < ne01; m++ {
				aOff := m*a.nb[1] + i2*a.nb[2] + i3*a.nb[3]

				var aRow []float32
				if a.Type == DTypeF32 {
					aRow = f32view(a.data[aOff:])[:ne00]
				} else {
					dequantizeRow(a.Type, a.data[aOff:aOff+a.Type.RowSize(ne00)], scratch)
					aRow = scratch
				}

				var sum float32
				for k := int64(0); k < ne00; k++ {
					sum += aRow[k] * bRow[k]
				}

				dst[m] = sum
			}
		}

		return nil
	})
}

// computeCpy kopiert die Quelle elementweise in den Ziel-Speicher, mit
// Typ-Konvertierung. Das Ziel muss zusammenhaengend sein; die Quelle
// wird in logischer Reihenfolge durchlaufen.
func computeCpy(node *Tensor, plan *Plan) error {
	src := node.src[0]

	if !node.Contiguous() && node.Dims() > 1 {
		return fmt.Errorf("ml: cpy into non-contiguous destination")
	}

	ne0 := src.ne[0]

	return rowRange(plan, numRows(src), func(_ int, r0, r1 int64) error {
		var buf []float32

		for r := r0; r < r1; r++ {
			var in []float32
			if src.nb[0] == 4 {
				in = rowF32(src, r)
			} else {
				// Quell-Zeile mit Element-Stride einsammeln (z.B. die
				// transponierte V-Sicht)
				if buf == nil {
					buf = make([]float32, ne0)
				}

				off := rowOffset(src, r)
				for i := int64(0); i < ne0; i++ {
					buf[i] = f32view(src.data[off+i*src.nb[0]:])[0]
				}

				in = buf
			}

			switch node.Type {
			case DTypeF32:
				out := f32view(node.data[r*ne0*4:])[:ne0]
				copy(out, in)
			case DTypeF16:
				out := f16view(node.data[r*ne0*2:])[:ne0]
				for i, v := range in {
					out[i] = float16.Fromfloat32(v).Bits()
				}
			default:
				return fmt.Errorf("ml: cpy to %s destination", node.Type)
			}
		}

		return nil
	})
}

// computeGetRows schreibt fuer jeden Index die entsprechende Zeile der
// Tabelle als F32 in das Ziel (Embedding-Lookup)
func computeGetRows(node *Tensor, plan *Plan) error {
	table, idx := node.src[0], node.src[1]
	ids := idx.I32s()

	return rowRange(plan, int64(len(ids)), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			id := int64(ids[r])
			if id < 0 || id >= table.ne[1] {
				return fmt.Errorf("ml: get_rows index %d out of range [0, %d)", id, table.ne[1])
			}

			src := table.data[id*table.nb[1] : id*table.nb[1]+table.Type.RowSize(table.ne[0])]
			dequantizeRow(table.Type, src, rowF32(node, r))
		}

		return nil
	})
}

func computeScale(node *Tensor, plan *Plan) error {
	s := node.src[1].F32s()[0]

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			dst := rowF32(node, r)
			for i := range dst {
				dst[i] *= s
			}
		}

		return nil
	})
}

// computeRepeat rundsendet die Quelle auf die Ziel-Shape
func computeRepeat(node *Tensor, plan *Plan) error {
	a := node.src[0]

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			i1 := r % node.ne[1]
			i2 := (r / node.ne[1]) % node.ne[2]
			i3 := r / (node.ne[1] * node.ne[2])

			srcOff := (i1%a.ne[1])*a.nb[1] + (i2%a.ne[2])*a.nb[2] + (i3%a.ne[3])*a.nb[3]
			src := f32view(a.data[srcOff:])[:a.ne[0]]

			dst := rowF32(node, r)
			for i := range dst {
				dst[i] = src[int64(i)%a.ne[0]]
			}
		}

		return nil
	})
}

// computeSoftMax berechnet die numerisch stabile Softmax ueber ne[0]
func computeSoftMax(node *Tensor, plan *Plan) error {
	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			dst := rowF32(node, r)

			maxv := float32(math.Inf(-1))
			for _, v := range dst {
				if v > maxv {
					maxv = v
				}
			}

			var sum float32
			for i, v := range dst {
				if math.IsInf(float64(v), -1) {
					dst[i] = 0
					continue
				}

				e := float32(math.Exp(float64(v - maxv)))
				dst[i] = e
				sum += e
			}

			for i := range dst {
				dst[i] /= sum
			}
		}

		return nil
	})
}

// computeNorm normalisiert jede Zeile auf Mittelwert 0 und Varianz 1,
// mit eps unter der Wurzel
func computeNorm(node *Tensor, plan *Plan) error {
	a := node.src[0]
	eps := f32frombits(uint32(node.opParams[0]))

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			src := rowF32(a, r)
			dst := rowF32(node, r)

			var mean float64
			for _, v := range src {
				mean += float64(v)
			}
			mean /= float64(len(src))

			var variance float64
			for i, v := range src {
				d := float64(v) - mean
				dst[i] = float32(d)
				variance += d * d
			}
			variance /= float64(len(src))

			scale := float32(1.0 / math.Sqrt(variance+float64(eps)))
			for i := range dst {
				dst[i] *= scale
			}
		}

		return nil
	})
}

// computeGELU wendet die tanh-Approximation der GELU elementweise an
func computeGELU(node *Tensor, plan *Plan) error {
	a := node.src[0]

	const (
		sqrt2OverPi = 0.79788456080286535587989211986876
		geluCoef    = 0.044715
	)

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			src := rowF32(a, r)
			dst := rowF32(node, r)
			for i, v := range src {
				x := float64(v)
				dst[i] = float32(0.5 * x * (1.0 + math.Tanh(sqrt2OverPi*x*(1.0+geluCoef*x*x))))
			}
		}

		return nil
	})
}

// computeDiagMaskInf fuellt in Zeile i1 die Spalten j > nPast + i1 mit
// -Inf (kausale Maske fuer Attention)
func computeDiagMaskInf(node *Tensor, plan *Plan) error {
	nPast := int64(node.opParams[0])
	negInf := float32(math.Inf(-1))

	return rowRange(plan, numRows(node), func(_ int, r0, r1 int64) error {
		for r := r0; r < r1; r++ {
			i1 := r % node.ne[1]

			dst := rowF32(node, r)
			for j := nPast + i1 + 1; j < node.ne[0]; j++ {
				dst[j] = negInf
			}
		}

		return nil
	})
}
