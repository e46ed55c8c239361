// plan.go - Compute-Plan: Thread-Anzahl und Arbeitspuffer
//
// Dieses Modul enthaelt:
// - Plan: Buendel aus Graph, Thread-Anzahl und Arbeitspuffer-Tensor
// - NewPlan: dimensioniert den Arbeitspuffer nach der schwersten Op
package ml

import (
	"sync/atomic"
)

// Plan buendelt einen Graphen mit einer Thread-Anzahl und besitzt den
// Arbeitspuffer, den die Ausfuehrung als Scratch-Speicher verwendet.
// Der Abort-Flag-Zeiger wird vom Executor an jeder Knotengrenze geprueft.
type Plan struct {
	graph    *Graph
	nThreads int

	workCtx *Context
	work    *Tensor

	abort *atomic.Bool
}

// NewPlan erstellt einen Plan fuer graph mit nThreads Workern. Der
// Arbeitspuffer wird auf den Scratch-Bedarf der schwersten Op
// dimensioniert und in einem frischen Context angelegt.
func NewPlan(graph *Graph, nThreads int) *Plan {
	if nThreads < 1 {
		nThreads = 1
	}

	var workSize int64
	for _, node := range graph.Nodes() {
		workSize = max(workSize, nodeWorkSize(node, nThreads))
	}

	p := &Plan{
		graph:    graph,
		nThreads: nThreads,
		abort:    new(atomic.Bool),
	}

	if workSize > 0 {
		p.workCtx = NewContext(workSize + TensorOverhead + tensorAlign)
		p.work = p.workCtx.NewTensor1D(DTypeI8, workSize).SetName("work")
	}

	return p
}

// nodeWorkSize gibt den Scratch-Bedarf eines Knotens in Bytes zurueck.
// Nur mul_mat mit nicht-F32-Gewichten braucht Scratch: jeder Worker
// dequantisiert dort eine Gewichtszeile nach F32.
func nodeWorkSize(node *Tensor, nThreads int) int64 {
	switch node.op {
	case OpMulMat:
		if src := node.src[0]; src.Type != DTypeF32 {
			return int64(nThreads) * src.ne[0] * 4
		}
	}

	return 0
}

// Threads gibt die Worker-Anzahl des Plans zurueck
func (p *Plan) Threads() int {
	return p.nThreads
}

// Abort gibt den Abbruch-Flag des Plans zurueck. Setzen des Flags
// bricht eine laufende Ausfuehrung an der naechsten Knotengrenze ab.
func (p *Plan) Abort() *atomic.Bool {
	return p.abort
}

// UseAbort ersetzt den Abbruch-Flag des Plans durch einen vom
// Aufrufer verwalteten Flag, z.B. den Cancel-Flag eines Cursors
func (p *Plan) UseAbort(flag *atomic.Bool) {
	if flag != nil {
		p.abort = flag
	}
}

// workerScratch gibt das F32-Scratch-Slice fuer Worker w mit n
// Elementen zurueck
func (p *Plan) workerScratch(w int, n int64) []float32 {
	if p.work == nil {
		return nil
	}

	all := p.work.data
	off := int64(w) * n * 4
	return f32view(all[off : off+n*4])
}

// Close gibt den Arbeitspuffer des Plans frei
func (p *Plan) Close() {
	if p.workCtx != nil {
		p.workCtx.Close()
	}
}
