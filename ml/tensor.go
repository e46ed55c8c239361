// tensor.go - Tensor-Struktur mit mehrdimensionalem Layout
//
// Dieses Modul enthaelt:
// - Tensor: n-dimensionales Array (n <= 4) mit Byte-Strides
// - Daten-Zugriff: SetBytes/SetF32s/SetI32s/F32s/I32s
// - Namensverwaltung (auf 32 Bytes gekuerzt)
package ml

import (
	"fmt"
	"unsafe"
)

const (
	// MaxDims ist die maximale Anzahl an Tensor-Dimensionen
	MaxDims = 4

	// MaxSrc ist die maximale Anzahl an Quell-Tensoren eines Op-Knotens
	MaxSrc = 2

	// MaxName ist die maximale Laenge eines Tensor-Namens in Bytes
	MaxName = 32
)

// Tensor ist ein n-dimensionales Array in einem Context. ne[0] ist die am
// schnellsten variierende Dimension (die Vektor-/Embedding-Dimension),
// nb sind Byte-Strides mit nb[0] == TypeSize. Ein Tensor mit op != OpNone
// ist ein Knoten im Compute-Graph und traegt bis zu MaxSrc Quell-Zeiger.
// Ein Tensor darf seinen Context nicht ueberleben.
type Tensor struct {
	Type DType

	ne [MaxDims]int64
	nb [MaxDims]int64

	op       Op
	src      [MaxSrc]*Tensor
	opParams [4]int32

	name string
	data []byte

	ctx *Context
}

// Dims gibt die Anzahl signifikanter Dimensionen zurueck
func (t *Tensor) Dims() int {
	dims := 1
	for i := MaxDims - 1; i > 0; i-- {
		if t.ne[i] > 1 {
			dims = i + 1
			break
		}
	}

	return dims
}

// Dim gibt die Ausdehnung der Dimension i zurueck
func (t *Tensor) Dim(i int) int64 {
	return t.ne[i]
}

// Stride gibt den Byte-Stride der Dimension i zurueck
func (t *Tensor) Stride(i int) int64 {
	return t.nb[i]
}

// Shape gibt die signifikanten Dimensionen zurueck, ne[0] zuerst
func (t *Tensor) Shape() []int64 {
	return t.ne[:t.Dims()]
}

// NumElements gibt die Anzahl logischer Skalare zurueck
func (t *Tensor) NumElements() int64 {
	return t.ne[0] * t.ne[1] * t.ne[2] * t.ne[3]
}

// Bytes gibt die Byte-Groesse der Tensor-Daten zurueck:
// NumElements * TypeSize / BlockSize
func (t *Tensor) Bytes() int64 {
	return t.NumElements() / t.Type.BlockSize() * t.Type.TypeSize()
}

// Contiguous meldet, ob die Daten ohne Luecken in Zeilen-Reihenfolge liegen
func (t *Tensor) Contiguous() bool {
	if t.nb[0] != t.Type.TypeSize() {
		return false
	}

	if t.nb[1] != t.Type.RowSize(t.ne[0]) {
		return false
	}

	for i := 2; i < MaxDims; i++ {
		if t.nb[i] != t.nb[i-1]*t.ne[i-1] {
			return false
		}
	}

	return true
}

// SetName setzt den Tensor-Namen, gekuerzt auf MaxName Bytes
func (t *Tensor) SetName(name string) *Tensor {
	if len(name) > MaxName {
		name = name[:MaxName]
	}

	t.name = name
	return t
}

// Name gibt den Tensor-Namen zurueck
func (t *Tensor) Name() string {
	return t.name
}

// Data gibt die rohen Tensor-Bytes zurueck. In einem Recorder-Context
// gibt es keine Daten und das Ergebnis ist nil.
func (t *Tensor) Data() []byte {
	return t.data
}

// SetBytes kopiert b in den Tensor-Speicher. b muss exakt Bytes() lang
// sein, alles andere ist ein Programmierfehler.
func (t *Tensor) SetBytes(b []byte) {
	if int64(len(b)) != t.Bytes() {
		panic(fmt.Sprintf("ml: SetBytes with %d bytes into tensor of %d bytes", len(b), t.Bytes()))
	}

	copy(t.data, b)
}

// SetI32s schreibt die Werte s in einen I32-Tensor. Die Laenge muss der
// Element-Anzahl entsprechen.
func (t *Tensor) SetI32s(s []int32) {
	if t.Type != DTypeI32 {
		panic(fmt.Sprintf("ml: SetI32s on %s tensor", t.Type))
	}

	if int64(len(s)) != t.NumElements() {
		panic(fmt.Sprintf("ml: SetI32s with %d values into tensor of %d elements", len(s), t.NumElements()))
	}

	copy(t.I32s(), s)
}

// SetF32s schreibt die Werte s in einen F32-Tensor
func (t *Tensor) SetF32s(s []float32) {
	if t.Type != DTypeF32 {
		panic(fmt.Sprintf("ml: SetF32s on %s tensor", t.Type))
	}

	if int64(len(s)) != t.NumElements() {
		panic(fmt.Sprintf("ml: SetF32s with %d values into tensor of %d elements", len(s), t.NumElements()))
	}

	copy(t.F32s(), s)
}

// F32s gibt die Daten eines F32-Tensors als float32-Slice zurueck.
// Das Slice teilt den Speicher mit dem Tensor.
func (t *Tensor) F32s() []float32 {
	if t.Type != DTypeF32 {
		panic(fmt.Sprintf("ml: F32s on %s tensor", t.Type))
	}

	if len(t.data) == 0 {
		return nil
	}

	return unsafe.Slice((*float32)(unsafe.Pointer(&t.data[0])), t.Bytes()/4)
}

// I32s gibt die Daten eines I32-Tensors als int32-Slice zurueck
func (t *Tensor) I32s() []int32 {
	if t.Type != DTypeI32 {
		panic(fmt.Sprintf("ml: I32s on %s tensor", t.Type))
	}

	if len(t.data) == 0 {
		return nil
	}

	return unsafe.Slice((*int32)(unsafe.Pointer(&t.data[0])), t.Bytes()/4)
}

// Op gibt die Operation dieses Knotens zurueck (OpNone fuer Blaetter)
func (t *Tensor) Op() Op {
	return t.op
}

// Src gibt den i-ten Quell-Tensor zurueck oder nil
func (t *Tensor) Src(i int) *Tensor {
	return t.src[i]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s[%v]%s", t.Type, t.Shape(), map[bool]string{true: " " + t.name, false: ""}[t.name != ""])
}
