// writer.go - Serialisierung in das Container-Format
//
// Dieses Modul enthaelt:
// - Encoder: schreibt Magic, Hyperparameter, Woerterbuch und Records
//
// Wird vom Quantize-Werkzeug und vom Checkpoint-Import benutzt. Die
// Byte-Reihenfolge ist durchgehend little-endian, symmetrisch zum
// Reader.
package ggml

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/smspillaz/ggml-go/ml"
)

// Encoder serialisiert ein Modell in das Container-Format
type Encoder struct {
	w io.Writer
}

// NewEncoder erstellt einen Encoder ueber w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteHeader schreibt Magic, Hyperparameter und Woerterbuch
func (e *Encoder) WriteHeader(hp *Hyperparameters, words []string) error {
	if int32(len(words)) != hp.NumVocab {
		return fmt.Errorf("ggml: %d vocabulary words for n_vocab %d", len(words), hp.NumVocab)
	}

	if err := binary.Write(e.w, binary.LittleEndian, Magic); err != nil {
		return err
	}

	if err := binary.Write(e.w, binary.LittleEndian, hp); err != nil {
		return err
	}

	if err := binary.Write(e.w, binary.LittleEndian, hp.NumVocab); err != nil {
		return err
	}

	for _, word := range words {
		if err := binary.Write(e.w, binary.LittleEndian, uint32(len(word))); err != nil {
			return err
		}

		if _, err := io.WriteString(e.w, word); err != nil {
			return err
		}
	}

	return nil
}

// WriteTensor schreibt einen Gewichts-Record. data muss die zur Shape
// und zum Typ passende Byte-Groesse haben.
func (e *Encoder) WriteTensor(name string, dims []int32, dtype ml.DType, data []byte) error {
	if len(dims) < 1 || len(dims) > MaxTensorDims {
		return fmt.Errorf("ggml: record %q with %d dimensions", name, len(dims))
	}

	n := int64(1)
	for _, d := range dims {
		n *= int64(d)
	}

	if want := n / dtype.BlockSize() * dtype.TypeSize(); int64(len(data)) != want {
		return fmt.Errorf("ggml: record %q has %d data bytes, expected %d", name, len(data), want)
	}

	for _, v := range []int32{int32(len(dims)), int32(len(name)), int32(dtype)} {
		if err := binary.Write(e.w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	if err := binary.Write(e.w, binary.LittleEndian, dims); err != nil {
		return err
	}

	if _, err := io.WriteString(e.w, name); err != nil {
		return err
	}

	_, err := e.w.Write(data)
	return err
}
