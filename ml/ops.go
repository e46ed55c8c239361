// ops.go - Konstruktoren fuer Op-Knoten im Compute-Graph
//
// Jeder Op-Konstruktor ist eine reine Funktion, die einen neuen
// Tensor-Knoten im selben Context erzeugt. Das Suffix Inplace ist ein
// Optimierungshinweis: das Ergebnis teilt den Speicher der Eingabe,
// der logische Knoten bleibt aber ein eigener Graph-Knoten.
package ml

import (
	"fmt"
)

// Op identifiziert die Operation eines Graph-Knotens
type Op int32

const (
	OpNone Op = iota
	OpAdd
	OpMul
	OpMulMat
	OpCpy
	OpGetRows
	OpScale
	OpRepeat
	OpSoftMax
	OpNorm
	OpGELU
	OpView
	OpReshape
	OpPermute
	OpDiagMaskInf
)

var opNames = map[Op]string{
	OpNone:        "none",
	OpAdd:         "add",
	OpMul:         "mul",
	OpMulMat:      "mul_mat",
	OpCpy:         "cpy",
	OpGetRows:     "get_rows",
	OpScale:       "scale",
	OpRepeat:      "repeat",
	OpSoftMax:     "soft_max",
	OpNorm:        "norm",
	OpGELU:        "gelu",
	OpView:        "view",
	OpReshape:     "reshape",
	OpPermute:     "permute",
	OpDiagMaskInf: "diag_mask_inf",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}

	return fmt.Sprintf("Op(%d)", int32(op))
}

func sameShape(a, b *Tensor) bool {
	return a.ne == b.ne
}

// Add erzeugt einen Knoten fuer die elementweise Summe a + b.
// Broadcasting geschieht explizit ueber Repeat.
func Add(ctx *Context, a, b *Tensor) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("ml: add with mismatched shapes %v and %v", a.Shape(), b.Shape()))
	}

	t := ctx.newNode(OpAdd, DTypeF32, a.ne[0], a.ne[1], a.ne[2], a.ne[3])
	t.src[0] = a
	t.src[1] = b
	return t
}

// Mul erzeugt einen Knoten fuer das elementweise Produkt a * b
func Mul(ctx *Context, a, b *Tensor) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("ml: mul with mismatched shapes %v and %v", a.Shape(), b.Shape()))
	}

	t := ctx.newNode(OpMul, DTypeF32, a.ne[0], a.ne[1], a.ne[2], a.ne[3])
	t.src[0] = a
	t.src[1] = b
	return t
}

// MulMat erzeugt einen Knoten fuer das Matrixprodukt mit transponiertem
// zweiten Operanden: a[K,M] x b[K,P] -> [M,P], reduziert ueber K.
// Hoehere Dimensionen von a und b muessen uebereinstimmen (Batch).
func MulMat(ctx *Context, a, b *Tensor) *Tensor {
	if a.ne[0] != b.ne[0] || a.ne[2] != b.ne[2] || a.ne[3] != b.ne[3] {
		panic(fmt.Sprintf("ml: mul_mat with incompatible shapes %v and %v", a.Shape(), b.Shape()))
	}

	t := ctx.newNode(OpMulMat, DTypeF32, a.ne[1], b.ne[1], a.ne[2], a.ne[3])
	t.src[0] = a
	t.src[1] = b
	return t
}

// Cpy erzeugt einen Knoten, der src zur Ausfuehrungszeit in den Speicher
// von dst kopiert (mit Typ-Konvertierung). Das Ergebnis hat dsts Shape
// und teilt dessen Speicher. Wird benutzt, um Views zusammenhaengend zu
// materialisieren.
func Cpy(ctx *Context, src, dst *Tensor) *Tensor {
	if src.NumElements() != dst.NumElements() {
		panic(fmt.Sprintf("ml: cpy between %d and %d elements", src.NumElements(), dst.NumElements()))
	}

	t := ctx.newView(OpCpy, dst, dst.data)
	t.src[0] = src
	t.src[1] = dst
	return t
}

// GetRows erzeugt einen Knoten fuer die Zeilen-Auswahl (Embedding-Lookup):
// table[D,V] und idx[T] (I32) ergeben [D,T] in F32.
func GetRows(ctx *Context, table, idx *Tensor) *Tensor {
	if idx.Type != DTypeI32 {
		panic(fmt.Sprintf("ml: get_rows with %s indices", idx.Type))
	}

	t := ctx.newNode(OpGetRows, DTypeF32, table.ne[0], idx.ne[0])
	t.src[0] = table
	t.src[1] = idx
	return t
}

// ScaleInplace erzeugt einen Knoten fuer die elementweise Skalierung
// von a mit dem 1-elementigen Tensor s
func ScaleInplace(ctx *Context, a, s *Tensor) *Tensor {
	if s.NumElements() != 1 {
		panic(fmt.Sprintf("ml: scale with %d-element scale tensor", s.NumElements()))
	}

	t := ctx.newView(OpScale, a, a.data)
	t.src[1] = s
	return t
}

// Repeat erzeugt einen Knoten, der a auf die Shape von ref rundsendet.
// Jede Dimension von ref muss ein Vielfaches der entsprechenden
// Dimension von a sein.
func Repeat(ctx *Context, a, ref *Tensor) *Tensor {
	for i := 0; i < MaxDims; i++ {
		if ref.ne[i]%a.ne[i] != 0 {
			panic(fmt.Sprintf("ml: repeat of %v to %v", a.Shape(), ref.Shape()))
		}
	}

	t := ctx.newNode(OpRepeat, DTypeF32, ref.ne[0], ref.ne[1], ref.ne[2], ref.ne[3])
	t.src[0] = a
	return t
}

// SoftMaxInplace erzeugt einen Knoten fuer die numerisch stabile
// Softmax ueber die letzte Dimension (ne[0])
func SoftMaxInplace(ctx *Context, a *Tensor) *Tensor {
	return ctx.newView(OpSoftMax, a, a.data)
}

// Norm erzeugt einen Knoten fuer die LayerNorm-artige Normalisierung
// ueber ne[0]: (x - mean) / sqrt(var + eps)
func Norm(ctx *Context, a *Tensor, eps float32) *Tensor {
	t := ctx.newNode(OpNorm, DTypeF32, a.ne[0], a.ne[1], a.ne[2], a.ne[3])
	t.src[0] = a
	t.opParams[0] = int32(f32bits(eps))
	return t
}

// GELU erzeugt einen Knoten fuer die elementweise GELU-Aktivierung
func GELU(ctx *Context, a *Tensor) *Tensor {
	t := ctx.newNode(OpGELU, DTypeF32, a.ne[0], a.ne[1], a.ne[2], a.ne[3])
	t.src[0] = a
	return t
}

// View1D erzeugt eine 1-dimensionale Sicht auf die Bytes von a ohne
// Kopie. offset ist in Elementen angegeben.
func View1D(ctx *Context, a *Tensor, ne0, offset int64) *Tensor {
	byteOffset := offset * a.Type.TypeSize() / a.Type.BlockSize()
	size := a.Type.RowSize(ne0)

	var data []byte
	if a.data != nil {
		data = a.data[byteOffset : byteOffset+size : byteOffset+size]
	}

	t := ctx.newView(OpView, a, data)
	t.ne = [MaxDims]int64{ne0, 1, 1, 1}
	t.nb[0] = a.Type.TypeSize()
	t.nb[1] = t.nb[0] * ne0 / a.Type.BlockSize()
	t.nb[2] = t.nb[1]
	t.nb[3] = t.nb[1]
	return t
}

// View2D erzeugt eine 2-dimensionale Sicht auf a. Die Zeilen behalten
// den Zeilen-Stride von a, so dass z.B. Spaltenbloecke einer Matrix
// ohne Kopie adressierbar sind. offset ist in Elementen angegeben.
func View2D(ctx *Context, a *Tensor, ne0, ne1, offset int64) *Tensor {
	byteOffset := offset * a.Type.TypeSize() / a.Type.BlockSize()

	var data []byte
	if a.data != nil {
		data = a.data[byteOffset:]
	}

	t := ctx.newView(OpView, a, data)
	t.ne = [MaxDims]int64{ne0, ne1, 1, 1}
	t.nb[0] = a.Type.TypeSize()
	t.nb[1] = a.nb[1]
	t.nb[2] = t.nb[1] * ne1
	t.nb[3] = t.nb[2]
	return t
}

func reshape(ctx *Context, a *Tensor, ne ...int64) *Tensor {
	if !a.Contiguous() {
		panic("ml: reshape of non-contiguous tensor")
	}

	n := int64(1)
	for _, d := range ne {
		n *= d
	}

	if n != a.NumElements() {
		panic(fmt.Sprintf("ml: reshape of %d elements to %v", a.NumElements(), ne))
	}

	t := ctx.newView(OpReshape, a, a.data)
	t.ne = [MaxDims]int64{1, 1, 1, 1}
	copy(t.ne[:], ne)
	t.nb[0] = a.Type.TypeSize()
	t.nb[1] = a.Type.RowSize(t.ne[0])
	for i := 2; i < MaxDims; i++ {
		t.nb[i] = t.nb[i-1] * t.ne[i-1]
	}

	return t
}

// Reshape1D formt a zusammenhaengend in [ne0] um
func Reshape1D(ctx *Context, a *Tensor, ne0 int64) *Tensor {
	return reshape(ctx, a, ne0)
}

// Reshape2D formt a zusammenhaengend in [ne0, ne1] um
func Reshape2D(ctx *Context, a *Tensor, ne0, ne1 int64) *Tensor {
	return reshape(ctx, a, ne0, ne1)
}

// Reshape3D formt a zusammenhaengend in [ne0, ne1, ne2] um
func Reshape3D(ctx *Context, a *Tensor, ne0, ne1, ne2 int64) *Tensor {
	return reshape(ctx, a, ne0, ne1, ne2)
}

// Permute vertauscht die logischen Achsen ohne Kopie: Achse i von a
// wird Achse ax[i] des Ergebnisses. Strides wandern mit.
func Permute(ctx *Context, a *Tensor, ax0, ax1, ax2, ax3 int) *Tensor {
	ax := [MaxDims]int{ax0, ax1, ax2, ax3}
	seen := [MaxDims]bool{}
	for _, x := range ax {
		if x < 0 || x >= MaxDims || seen[x] {
			panic(fmt.Sprintf("ml: permute with invalid axes %v", ax))
		}
		seen[x] = true
	}

	t := ctx.newView(OpPermute, a, a.data)
	for i := 0; i < MaxDims; i++ {
		t.ne[ax[i]] = a.ne[i]
		t.nb[ax[i]] = a.nb[i]
	}

	return t
}

// DiagMaskInfInplace erzeugt einen Knoten fuer die kausale Maske: in
// jeder Zeile i werden die Spalten j > nPast + i mit -Inf gefuellt
func DiagMaskInfInplace(ctx *Context, a *Tensor, nPast int) *Tensor {
	t := ctx.newView(OpDiagMaskInf, a, a.data)
	t.opParams[0] = int32(nPast)
	return t
}
