// reader.go - Streaming-Reader fuer Tensor-Records
//
// Dieses Modul enthaelt:
// - TensorReader: Iterator ueber die Gewichts-Records am Dateiende
// - TensorHeader: Metadaten eines Records (Name, Shape, Typ)
//
// Ein Record besteht aus n_dims/name_len/dtype (je i32), den
// Dimensionen, dem Namen und den rohen Daten. Der Reader liefert die
// Header; die Daten liest der Aufrufer mit ReadData oder Skip, damit
// grosse Gewichte nicht doppelt gepuffert werden.
package ggml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/smspillaz/ggml-go/ml"
)

// MaxTensorDims ist der maximale Rang eines Records im Container
const MaxTensorDims = 2

// TensorHeader beschreibt einen Gewichts-Record
type TensorHeader struct {
	Name string
	Dims []int32
	Type ml.DType
}

// NumElements gibt die logische Element-Anzahl des Records zurueck
func (h *TensorHeader) NumElements() int64 {
	n := int64(1)
	for _, d := range h.Dims {
		n *= int64(d)
	}

	return n
}

// DataSize gibt die Byte-Groesse der Record-Daten zurueck
func (h *TensorHeader) DataSize() int64 {
	return h.NumElements() / h.Type.BlockSize() * h.Type.TypeSize()
}

// TensorReader iteriert ueber die Gewichts-Records eines Streams
type TensorReader struct {
	r       io.Reader
	pending *TensorHeader
}

// NewTensorReader erstellt einen Reader ueber den Gewichts-Abschnitt
func NewTensorReader(r io.Reader) *TensorReader {
	return &TensorReader{r: r}
}

// Next liest den naechsten Record-Header. Am Stream-Ende wird io.EOF
// zurueckgegeben. Der Aufrufer muss vor dem naechsten Next die Daten
// mit ReadData konsumieren oder mit Skip verwerfen.
func (tr *TensorReader) Next() (*TensorHeader, error) {
	if tr.pending != nil {
		if err := tr.Skip(); err != nil {
			return nil, err
		}
	}

	var nDims int32
	if err := binary.Read(tr.r, binary.LittleEndian, &nDims); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("%w: reading record dimensions: %w", ErrFormat, err)
	}

	if nDims < 1 || nDims > MaxTensorDims {
		return nil, fmt.Errorf("%w: record with %d dimensions", ErrFormat, nDims)
	}

	var nameLen, ttype int32
	if err := binary.Read(tr.r, binary.LittleEndian, &nameLen); err != nil {
		return nil, fmt.Errorf("%w: reading record name length: %w", ErrFormat, err)
	}

	if err := binary.Read(tr.r, binary.LittleEndian, &ttype); err != nil {
		return nil, fmt.Errorf("%w: reading record type: %w", ErrFormat, err)
	}

	if !ml.DType(ttype).Valid() {
		return nil, fmt.Errorf("%w: record with unknown data type %d", ErrFormat, ttype)
	}

	dims := make([]int32, nDims)
	if err := binary.Read(tr.r, binary.LittleEndian, dims); err != nil {
		return nil, fmt.Errorf("%w: reading record shape: %w", ErrFormat, err)
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(tr.r, name); err != nil {
		return nil, fmt.Errorf("%w: reading record name: %w", ErrFormat, err)
	}

	header := &TensorHeader{Name: string(name), Dims: dims, Type: ml.DType(ttype)}
	tr.pending = header
	return header, nil
}

// ReadData liest die Daten des zuletzt gelieferten Records nach dst.
// dst muss exakt DataSize() Bytes fassen.
func (tr *TensorReader) ReadData(dst []byte) error {
	header := tr.pending
	if header == nil {
		return errors.New("ggml: ReadData without a pending record")
	}

	if int64(len(dst)) != header.DataSize() {
		return fmt.Errorf("ggml: ReadData with %d bytes for record of %d bytes", len(dst), header.DataSize())
	}

	tr.pending = nil
	if _, err := io.ReadFull(tr.r, dst); err != nil {
		return fmt.Errorf("%w: reading data of %q: %w", ErrFormat, header.Name, err)
	}

	return nil
}

// Skip verwirft die Daten des zuletzt gelieferten Records
func (tr *TensorReader) Skip() error {
	header := tr.pending
	if header == nil {
		return nil
	}

	tr.pending = nil
	if _, err := io.CopyN(io.Discard, tr.r, header.DataSize()); err != nil {
		return fmt.Errorf("%w: skipping data of %q: %w", ErrFormat, header.Name, err)
	}

	return nil
}
