// compute_test.go - Tests fuer Graph-Aufbau und Executor
package ml

import (
	"errors"
	"math"
	"testing"
)

func computeGraph(t *testing.T, g *Graph) {
	t.Helper()

	plan := NewPlan(g, 2)
	defer plan.Close()

	if err := g.Compute(plan); err != nil {
		t.Fatal(err)
	}
}

// TestGraphDedup prueft, dass jeder Knoten hoechstens einmal im
// Graphen landet (Diamant-Abhaengigkeit)
func TestGraphDedup(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 4)
	b := ctx.NewTensor1D(DTypeF32, 4)
	c := Add(ctx, a, b)
	d := Mul(ctx, c, c)

	g := NewGraph(0)
	g.BuildForwardExpand(d)
	g.BuildForwardExpand(d)

	if len(g.Nodes()) != 2 {
		t.Errorf("erwartet 2 Op-Knoten, bekommen %d", len(g.Nodes()))
	}
	if len(g.Leafs()) != 2 {
		t.Errorf("erwartet 2 Blaetter, bekommen %d", len(g.Leafs()))
	}

	// Topologische Ordnung: add vor mul
	if g.Nodes()[0] != c || g.Nodes()[1] != d {
		t.Error("Knoten nicht in topologischer Ordnung")
	}
}

// TestAddMul prueft die elementweisen Operationen
func TestAddMul(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 4)
	a.SetF32s([]float32{1, 2, 3, 4})
	b := ctx.NewTensor1D(DTypeF32, 4)
	b.SetF32s([]float32{10, 20, 30, 40})

	sum := Add(ctx, a, b)
	prod := Mul(ctx, a, b)

	g := NewGraph(0)
	g.BuildForwardExpand(sum)
	g.BuildForwardExpand(prod)
	computeGraph(t, g)

	wantSum := []float32{11, 22, 33, 44}
	wantProd := []float32{10, 40, 90, 160}
	for i := range wantSum {
		if sum.F32s()[i] != wantSum[i] {
			t.Errorf("add[%d]: erwartet %f, bekommen %f", i, wantSum[i], sum.F32s()[i])
		}
		if prod.F32s()[i] != wantProd[i] {
			t.Errorf("mul[%d]: erwartet %f, bekommen %f", i, wantProd[i], prod.F32s()[i])
		}
	}
}

// TestMulMat prueft das Matrixprodukt mit transponiertem zweiten
// Operanden: a[K,M] x b[K,P] -> [M,P]
func TestMulMat(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	// a: 2 Zeilen mit je 3 Elementen (K=3, M=2)
	a := ctx.NewTensor2D(DTypeF32, 3, 2)
	a.SetF32s([]float32{1, 2, 3, 4, 5, 6})

	// b: 1 Zeile mit 3 Elementen (K=3, P=1)
	b := ctx.NewTensor2D(DTypeF32, 3, 1)
	b.SetF32s([]float32{1, 1, 2})

	out := MulMat(ctx, a, b)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	// Zeile 0: 1+2+6 = 9, Zeile 1: 4+5+12 = 21
	got := out.F32s()
	if got[0] != 9 || got[1] != 21 {
		t.Errorf("mul_mat: erwartet [9 21], bekommen %v", got)
	}
}

// TestMulMatF16 prueft die Dequantisierung von F16-Gewichten ueber den
// Arbeitspuffer des Plans
func TestMulMatF16(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor2D(DTypeF16, 2, 2)
	F32ToF16([]float32{0.5, 1, 2, 4}, a.Data())

	b := ctx.NewTensor2D(DTypeF32, 2, 1)
	b.SetF32s([]float32{2, 2})

	out := MulMat(ctx, a, b)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()
	if got[0] != 3 || got[1] != 12 {
		t.Errorf("f16 mul_mat: erwartet [3 12], bekommen %v", got)
	}
}

// TestGetRows prueft den Embedding-Lookup
func TestGetRows(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	table := ctx.NewTensor2D(DTypeF32, 2, 3)
	table.SetF32s([]float32{0, 1, 10, 11, 20, 21})

	idx := ctx.NewTensor1D(DTypeI32, 2)
	idx.SetI32s([]int32{2, 0})

	out := GetRows(ctx, table, idx)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()
	want := []float32{20, 21, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("get_rows[%d]: erwartet %f, bekommen %f", i, want[i], got[i])
		}
	}
}

// TestSoftMax prueft die Softmax samt -Inf-Behandlung
func TestSoftMax(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 3)
	a.SetF32s([]float32{0, 0, float32(math.Inf(-1))})

	out := SoftMaxInplace(ctx, a)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()
	if math.Abs(float64(got[0]-0.5)) > 1e-6 || math.Abs(float64(got[1]-0.5)) > 1e-6 {
		t.Errorf("softmax: erwartet [0.5 0.5 0], bekommen %v", got)
	}
	if got[2] != 0 {
		t.Errorf("softmax von -Inf muss 0 sein, bekommen %f", got[2])
	}
}

// TestNorm prueft Mittelwert 0 und Varianz 1 nach der Normalisierung
func TestNorm(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 4)
	a.SetF32s([]float32{1, 2, 3, 4})

	out := Norm(ctx, a, 1e-5)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	var mean, variance float64
	for _, v := range out.F32s() {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range out.F32s() {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4

	if math.Abs(mean) > 1e-5 {
		t.Errorf("Mittelwert nach norm: erwartet 0, bekommen %f", mean)
	}
	if math.Abs(variance-1) > 1e-3 {
		t.Errorf("Varianz nach norm: erwartet 1, bekommen %f", variance)
	}
}

// TestGELU prueft die Aktivierung an markanten Stellen
func TestGELU(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 3)
	a.SetF32s([]float32{0, 10, -10})

	out := GELU(ctx, a)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()
	if got[0] != 0 {
		t.Errorf("gelu(0): erwartet 0, bekommen %f", got[0])
	}
	if math.Abs(float64(got[1]-10)) > 1e-3 {
		t.Errorf("gelu(10): erwartet ~10, bekommen %f", got[1])
	}
	if math.Abs(float64(got[2])) > 1e-3 {
		t.Errorf("gelu(-10): erwartet ~0, bekommen %f", got[2])
	}
}

// TestRepeat prueft das Broadcasting eines Bias-Vektors
func TestRepeat(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	bias := ctx.NewTensor1D(DTypeF32, 2)
	bias.SetF32s([]float32{7, 9})

	ref := ctx.NewTensor2D(DTypeF32, 2, 3)
	out := Repeat(ctx, bias, ref)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()
	want := []float32{7, 9, 7, 9, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("repeat[%d]: erwartet %f, bekommen %f", i, want[i], got[i])
		}
	}
}

// TestDiagMaskInf prueft die kausale Maske mit n_past
func TestDiagMaskInf(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	// 2 Query-Zeilen ueber 4 Positionen, n_past = 1
	a := ctx.NewTensor2D(DTypeF32, 4, 2)
	a.SetF32s([]float32{1, 1, 1, 1, 1, 1, 1, 1})

	out := DiagMaskInfInplace(ctx, a, 1)

	g := NewGraph(0)
	g.BuildForwardExpand(out)
	computeGraph(t, g)

	got := out.F32s()

	// Zeile 0 sieht Positionen 0..1, Zeile 1 sieht 0..2
	for i, wantInf := range []bool{false, false, true, true, false, false, false, true} {
		isInf := math.IsInf(float64(got[i]), -1)
		if isInf != wantInf {
			t.Errorf("mask[%d]: erwartet inf=%v, bekommen %f", i, wantInf, got[i])
		}
	}
}

// TestScaleAndCpy prueft Skalierung und die materialisierende Kopie
func TestScaleAndCpy(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor2D(DTypeF32, 2, 2)
	a.SetF32s([]float32{1, 2, 3, 4})

	scaled := ScaleInplace(ctx, a, ctx.NewScalarF32(0.5))

	dst := ctx.NewTensor1D(DTypeF16, 4)
	copied := Cpy(ctx, scaled, dst)

	g := NewGraph(0)
	g.BuildForwardExpand(copied)
	computeGraph(t, g)

	back := make([]float32, 4)
	F16ToF32(dst.Data(), back)

	want := []float32{0.5, 1, 1.5, 2}
	for i := range want {
		if back[i] != want[i] {
			t.Errorf("cpy[%d]: erwartet %f, bekommen %f", i, want[i], back[i])
		}
	}
}

// TestComputeCancellation prueft den kooperativen Abbruch an der
// Knotengrenze
func TestComputeCancellation(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 4)
	b := ctx.NewTensor1D(DTypeF32, 4)
	out := Add(ctx, a, b)

	g := NewGraph(0)
	g.BuildForwardExpand(out)

	plan := NewPlan(g, 1)
	defer plan.Close()

	plan.Abort().Store(true)

	if err := g.Compute(plan); !errors.Is(err, ErrCancelled) {
		t.Errorf("erwartet ErrCancelled, bekommen %v", err)
	}
}

// TestGraphCapacity prueft die Kapazitaetsgrenze des Graphen
func TestGraphCapacity(t *testing.T) {
	ctx := NewContext(1 << 20)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 1)
	b := ctx.NewTensor1D(DTypeF32, 1)

	node := Add(ctx, a, b)
	for i := 0; i < 4; i++ {
		node = Add(ctx, node, b)
	}

	g := NewGraph(3)

	defer func() {
		if recover() == nil {
			t.Error("erwartet Panic bei ueberschrittener Kapazitaet")
		}
	}()

	g.BuildForwardExpand(node)
}
