// context_test.go - Unit-Tests fuer Context und Tensor-Layout
package ml

import (
	"testing"
)

// TestEagerAllocation prueft, dass Tensoren im Eager-Modus Daten
// bekommen und der Verbrauch steigt
func TestEagerAllocation(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor2D(DTypeF32, 4, 4)
	if a.Data() == nil {
		t.Fatal("eager tensor ohne Daten")
	}

	if int64(len(a.Data())) != a.Bytes() {
		t.Errorf("Daten-Slice: erwartet %d Bytes, bekommen %d", a.Bytes(), len(a.Data()))
	}

	if ctx.Used() == 0 {
		t.Error("Used muss nach Allokation steigen")
	}
}

// TestRecorderAllocation prueft, dass der Recorder nur Groessen
// verbucht
func TestRecorderAllocation(t *testing.T) {
	rec := NewRecorderContext()

	a := rec.NewTensor2D(DTypeF32, 8, 8)
	if a.Data() != nil {
		t.Fatal("recorder tensor mit Daten")
	}

	want := int64(TensorOverhead) + align(8*8*4)
	if rec.Used() != want {
		t.Errorf("Used: erwartet %d, bekommen %d", want, rec.Used())
	}
}

// TestStrides prueft die Stride-Invarianten nb[0] = TypeSize und
// nb[k] = nb[k-1] * ne[k-1]
func TestStrides(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor3D(DTypeF32, 3, 4, 5)

	if a.Stride(0) != 4 {
		t.Errorf("nb[0]: erwartet 4, bekommen %d", a.Stride(0))
	}
	if a.Stride(1) != 12 {
		t.Errorf("nb[1]: erwartet 12, bekommen %d", a.Stride(1))
	}
	if a.Stride(2) != 48 {
		t.Errorf("nb[2]: erwartet 48, bekommen %d", a.Stride(2))
	}

	if !a.Contiguous() {
		t.Error("frischer Tensor muss zusammenhaengend sein")
	}
}

// TestSetName prueft die Kuerzung auf 32 Bytes
func TestSetName(t *testing.T) {
	ctx := NewContext(1 << 12)
	defer ctx.Close()

	long := "ein-sehr-langer-tensor-name-der-gekuerzt-werden-muss"
	a := ctx.NewTensor1D(DTypeF32, 1).SetName(long)

	if len(a.Name()) != MaxName {
		t.Errorf("Name: erwartet %d Bytes, bekommen %d", MaxName, len(a.Name()))
	}
	if a.Name() != long[:MaxName] {
		t.Errorf("Name falsch gekuerzt: %q", a.Name())
	}
}

// TestSetBytesWrongSize prueft, dass eine falsche Puffer-Groesse als
// Programmierfehler paniciert
func TestSetBytesWrongSize(t *testing.T) {
	ctx := NewContext(1 << 12)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 4)

	defer func() {
		if recover() == nil {
			t.Error("erwartet Panic bei falscher Puffer-Groesse")
		}
	}()

	a.SetBytes(make([]byte, 3))
}

// TestView2D prueft Spaltenblock-Sichten mit Zeilen-Stride der Quelle
func TestView2D(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	// 6x2-Matrix: Zeile 0 = 0..5, Zeile 1 = 6..11
	a := ctx.NewTensor2D(DTypeF32, 6, 2)
	vals := make([]float32, 12)
	for i := range vals {
		vals[i] = float32(i)
	}
	a.SetF32s(vals)

	// Spalten 2..3 beider Zeilen
	v := View2D(ctx, a, 2, 2, 2)

	if v.Dim(0) != 2 || v.Dim(1) != 2 {
		t.Fatalf("Shape: erwartet [2 2], bekommen %v", v.Shape())
	}

	row0 := rowF32(v, 0)
	row1 := rowF32(v, 1)
	if row0[0] != 2 || row0[1] != 3 || row1[0] != 8 || row1[1] != 9 {
		t.Errorf("View-Inhalt falsch: %v %v", row0, row1)
	}
}

// TestPermute prueft den Achsen-Tausch ohne Kopie
func TestPermute(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor3D(DTypeF32, 2, 3, 4)
	p := Permute(ctx, a, 0, 2, 1, 3)

	if p.Dim(0) != 2 || p.Dim(1) != 4 || p.Dim(2) != 3 {
		t.Errorf("Shape nach Permute: erwartet [2 4 3], bekommen %v", p.Shape())
	}

	if p.Stride(1) != a.Stride(2) || p.Stride(2) != a.Stride(1) {
		t.Error("Strides muessen mit den Achsen wandern")
	}

	if &p.Data()[0] != &a.Data()[0] {
		t.Error("Permute darf nicht kopieren")
	}
}

// TestReshapeRoundTrip prueft Reshape bei gleicher Element-Anzahl
func TestReshapeRoundTrip(t *testing.T) {
	ctx := NewContext(1 << 16)
	defer ctx.Close()

	a := ctx.NewTensor1D(DTypeF32, 24)
	r := Reshape3D(ctx, a, 2, 3, 4)

	if r.NumElements() != a.NumElements() {
		t.Error("Reshape muss die Element-Anzahl erhalten")
	}

	if !r.Contiguous() {
		t.Error("Reshape-Ergebnis muss zusammenhaengend sein")
	}
}

// TestArenaExhaustion prueft die Panic bei erschoepfter Arena
func TestArenaExhaustion(t *testing.T) {
	ctx := NewContext(128)

	defer func() {
		if recover() == nil {
			t.Error("erwartet Panic bei erschoepfter Arena")
		}
	}()

	ctx.NewTensor1D(DTypeF32, 1<<16)
}
