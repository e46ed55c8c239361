// compute.go - Multi-threaded Graph-Executor mit kooperativem Abbruch
//
// Dieses Modul enthaelt:
// - Compute: fuehrt die Knoten eines Graphen in Reihenfolge aus
// - computeNode: Dispatch auf die Kernel in kernels.go
//
// Knoten werden strikt sequenziell abgearbeitet; innerhalb eines
// Knotens wird die Arbeit zeilenweise auf die Worker des Plans
// verteilt. Der Abort-Flag wird an jeder Knotengrenze geprueft.
package ml

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrCancelled wird zurueckgegeben, wenn der Abort-Flag des Plans
// waehrend der Ausfuehrung gesetzt wurde
var ErrCancelled = errors.New("graph computation cancelled")

// Compute fuehrt die Knoten des Graphen mit dem gegebenen Plan aus.
// Nach erfolgreicher Rueckkehr enthaelt der Speicher jedes Knotens das
// numerisch definierte Ergebnis.
func (g *Graph) Compute(plan *Plan) error {
	for _, node := range g.nodes {
		if plan.abort.Load() {
			return ErrCancelled
		}

		if err := computeNode(node, plan); err != nil {
			return err
		}
	}

	return nil
}

// rowRange teilt nr Zeilen auf nThreads Worker auf und ruft fn pro
// Worker mit dessen Zeilenbereich auf
func rowRange(plan *Plan, nr int64, fn func(worker int, r0, r1 int64) error) error {
	nThreads := int64(plan.nThreads)
	if nThreads > nr {
		nThreads = max(nr, 1)
	}

	per := (nr + nThreads - 1) / nThreads

	var group errgroup.Group
	for w := int64(0); w < nThreads; w++ {
		r0 := w * per
		r1 := min(r0+per, nr)
		if r0 >= r1 {
			break
		}

		group.Go(func() error {
			return fn(int(w), r0, r1)
		})
	}

	return group.Wait()
}

func computeNode(node *Tensor, plan *Plan) error {
	switch node.op {
	case OpView, OpReshape, OpPermute:
		// Views teilen den Speicher ihrer Quelle, nichts zu tun
		return nil
	case OpAdd:
		return computeBinary(node, plan, func(x, y float32) float32 { return x + y })
	case OpMul:
		return computeBinary(node, plan, func(x, y float32) float32 { return x * y })
	case OpMulMat:
		return computeMulMat(node, plan)
	case OpCpy:
		return computeCpy(node, plan)
	case OpGetRows:
		return computeGetRows(node, plan)
	case OpScale:
		return computeScale(node, plan)
	case OpRepeat:
		return computeRepeat(node, plan)
	case OpSoftMax:
		return computeSoftMax(node, plan)
	case OpNorm:
		return computeNorm(node, plan)
	case OpGELU:
		return computeGELU(node, plan)
	case OpDiagMaskInf:
		return computeDiagMaskInf(node, plan)
	default:
		return fmt.Errorf("ml: cannot compute op %s", node.op)
	}
}
