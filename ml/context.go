// context.go - Arena-Context fuer Tensor-Metadaten und -Daten
//
// Dieses Modul enthaelt:
// - Context: Arena mit Bump-Allokator in drei Modi (Eager/Recorder/Buffer)
// - NewTensor und Varianten: Tensor-Allokation mit Stride-Berechnung
// - NewContextFromBuffer: Eager-Context ueber einem wiederverwendbaren
//   Puffer fuer Forward-Passes
package ml

import (
	"fmt"
)

// TensorOverhead ist die Metadaten-Kostenpauschale pro Tensor, die gegen
// die Arena verbucht wird. Sie muss die Tensor-Struktur samt Ausrichtung
// abdecken, damit Recorder-Contexte die Groesse einer spaeteren
// Ausfuehrung konservativ schaetzen koennen.
const TensorOverhead = 384

// GraphOverhead ist die Pauschale fuer die Graph-Struktur selbst
const GraphOverhead = 16 * 1024

// tensorAlign ist die Ausrichtung von Tensor-Daten in der Arena
const tensorAlign = 32

type contextMode int

const (
	// modeEager: Metadaten und Daten werden sofort aus der Arena alloziert
	modeEager contextMode = iota

	// modeRecorder: nur Metadaten werden verbucht. Dient dazu, den
	// Puffer fuer eine spaetere Ausfuehrung zu dimensionieren.
	modeRecorder
)

// Context ist eine Arena, die einen zusammenhaengenden Byte-Puffer und
// die darin allozierten Tensoren besitzt. Tensoren eines Context duerfen
// nach Close nicht mehr verwendet werden.
type Context struct {
	buf      []byte
	offset   int64
	mode     contextMode
	nTensors int
}

// NewContext erstellt einen Eager-Context mit einer Arena von size Bytes
func NewContext(size int64) *Context {
	return &Context{buf: make([]byte, size)}
}

// NewContextFromBuffer erstellt einen Eager-Context ueber einem
// vorhandenen Puffer. Der Puffer kann so ueber mehrere
// Graph-Ausfuehrungen hinweg wiederverwendet werden; der Aufrufer darf
// ihn waehrend der Lebenszeit des Context nicht anderweitig beschreiben.
func NewContextFromBuffer(buf []byte) *Context {
	return &Context{buf: buf}
}

// NewRecorderContext erstellt einen Context, der Tensor-Metadaten
// verbucht, aber keine Daten alloziert
func NewRecorderContext() *Context {
	return &Context{mode: modeRecorder}
}

// RecorderContextSize gibt die Arena-Groesse zurueck, die ein
// Recorder-Context fuer maxNodes Knoten benoetigt
func RecorderContextSize(maxNodes int) int64 {
	return int64(maxNodes)*TensorOverhead + GraphOverhead
}

// Used gibt die bisher verbuchten Arena-Bytes zurueck, einschliesslich
// der Metadaten-Pauschale pro Tensor
func (c *Context) Used() int64 {
	return c.offset
}

// Close gibt die Arena frei. Jeder weitere Zugriff auf Tensoren dieses
// Context ist ein Programmierfehler.
func (c *Context) Close() {
	c.buf = nil
	c.offset = 0
}

func align(n int64) int64 {
	return (n + tensorAlign - 1) &^ (tensorAlign - 1)
}

// alloc verbucht n Bytes in der Arena und gibt das Daten-Slice zurueck.
// Im Recorder-Modus wird nur gezaehlt.
func (c *Context) alloc(n int64) []byte {
	c.offset += TensorOverhead
	c.nTensors++

	if c.mode == modeRecorder {
		c.offset += align(n)
		return nil
	}

	start := align(c.offset)
	if start+n > int64(len(c.buf)) {
		panic(fmt.Sprintf("ml: context arena exhausted (%d of %d bytes used, need %d more)", c.offset, len(c.buf), n))
	}

	c.offset = start + n
	return c.buf[start : start+n : start+n]
}

// NewTensor alloziert einen Tensor mit dem gegebenen Typ und Shape.
// ne[0] ist die am schnellsten variierende Dimension und muss fuer
// quantisierte Typen ein Vielfaches der Blockgroesse sein.
func (c *Context) NewTensor(dtype DType, ne ...int64) *Tensor {
	if len(ne) == 0 || len(ne) > MaxDims {
		panic(fmt.Sprintf("ml: tensor with %d dimensions", len(ne)))
	}

	t := &Tensor{Type: dtype, ctx: c, ne: [MaxDims]int64{1, 1, 1, 1}}
	copy(t.ne[:], ne)

	t.nb[0] = dtype.TypeSize()
	t.nb[1] = dtype.RowSize(t.ne[0])
	for i := 2; i < MaxDims; i++ {
		t.nb[i] = t.nb[i-1] * t.ne[i-1]
	}

	t.data = c.alloc(t.Bytes())
	return t
}

// NewTensor1D alloziert einen 1-dimensionalen Tensor
func (c *Context) NewTensor1D(dtype DType, ne0 int64) *Tensor {
	return c.NewTensor(dtype, ne0)
}

// NewTensor2D alloziert einen 2-dimensionalen Tensor
func (c *Context) NewTensor2D(dtype DType, ne0, ne1 int64) *Tensor {
	return c.NewTensor(dtype, ne0, ne1)
}

// NewTensor3D alloziert einen 3-dimensionalen Tensor
func (c *Context) NewTensor3D(dtype DType, ne0, ne1, ne2 int64) *Tensor {
	return c.NewTensor(dtype, ne0, ne1, ne2)
}

// NewScalarF32 alloziert einen 1-elementigen F32-Tensor mit Wert v
func (c *Context) NewScalarF32(v float32) *Tensor {
	t := c.NewTensor1D(DTypeF32, 1)
	if t.data != nil {
		t.F32s()[0] = v
	}

	return t
}

// newNode erstellt einen Op-Knoten. Das Ergebnis erhaelt eigene Daten
// in der Arena; im Recorder-Modus werden sie nur verbucht.
func (c *Context) newNode(op Op, dtype DType, ne ...int64) *Tensor {
	t := c.NewTensor(dtype, ne...)
	t.op = op
	return t
}

// newView erstellt einen Knoten, der Daten mit src teilt (Views und
// In-Place-Operationen). Es werden nur Metadaten verbucht.
func (c *Context) newView(op Op, src *Tensor, data []byte) *Tensor {
	c.offset += TensorOverhead
	c.nTensors++

	t := &Tensor{
		Type: src.Type,
		ne:   src.ne,
		nb:   src.nb,
		op:   op,
		data: data,
		ctx:  c,
	}
	t.src[0] = src

	return t
}
