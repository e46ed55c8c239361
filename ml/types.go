// types.go - Datentypen und Typ-Tabelle fuer den Tensor-Laufzeitkern
//
// Dieses Modul definiert:
// - DType: Enum der Skalar-Speicherformate mit stabiler numerischer Kodierung
// - Typ-Tabelle: Elementgroesse und Blockgroesse pro Typ
// - RowSize/TypeSize/BlockSize: Groessenberechnung fuer Tensor-Daten
package ml

import (
	"fmt"
)

// DType ist das Speicherformat eines Tensor-Elements. Die numerischen
// Werte entsprechen der ggml-Kodierung und sind Teil des Dateiformats,
// sie duerfen sich zwischen Versionen nicht aendern.
type DType int32

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeQ4_0 DType = 2
	DTypeQ4_1 DType = 3
	DTypeQ5_0 DType = 6
	DTypeQ5_1 DType = 7
	DTypeQ8_0 DType = 8
	DTypeQ8_1 DType = 9
	DTypeI8   DType = 16
	DTypeI16  DType = 17
	DTypeI32  DType = 18
)

// typeTraits beschreibt ein Speicherformat: Groesse eines Blocks in Bytes
// und Anzahl der logischen Skalare pro Block (1 fuer unquantisierte Typen)
type typeTraits struct {
	name      string
	typeSize  int64
	blockSize int64
}

var typeTraitsTable = map[DType]typeTraits{
	DTypeF32:  {"f32", 4, 1},
	DTypeF16:  {"f16", 2, 1},
	DTypeQ4_0: {"q4_0", 2 + 16, 32},
	DTypeQ4_1: {"q4_1", 2 + 2 + 16, 32},
	DTypeQ5_0: {"q5_0", 2 + 4 + 16, 32},
	DTypeQ5_1: {"q5_1", 2 + 2 + 4 + 16, 32},
	DTypeQ8_0: {"q8_0", 2 + 32, 32},
	DTypeQ8_1: {"q8_1", 2 + 2 + 32, 32},
	DTypeI8:   {"i8", 1, 1},
	DTypeI16:  {"i16", 2, 1},
	DTypeI32:  {"i32", 4, 1},
}

func (t DType) String() string {
	if tt, ok := typeTraitsTable[t]; ok {
		return tt.name
	}

	return fmt.Sprintf("DType(%d)", int32(t))
}

// Valid meldet, ob t ein bekanntes Speicherformat ist
func (t DType) Valid() bool {
	_, ok := typeTraitsTable[t]
	return ok
}

// TypeSize gibt die Groesse eines Speicherblocks in Bytes zurueck
func (t DType) TypeSize() int64 {
	return typeTraitsTable[t].typeSize
}

// BlockSize gibt die Anzahl logischer Skalare pro Speicherblock zurueck
func (t DType) BlockSize() int64 {
	return typeTraitsTable[t].blockSize
}

// Quantized meldet, ob t ein blockquantisiertes Format ist
func (t DType) Quantized() bool {
	return t.BlockSize() > 1
}

// RowSize gibt die Byte-Groesse einer Zeile mit ne Elementen zurueck.
// ne muss ein Vielfaches der Blockgroesse sein.
func (t DType) RowSize(ne int64) int64 {
	tt := typeTraitsTable[t]
	if ne%tt.blockSize != 0 {
		panic(fmt.Sprintf("ml: row of %d elements is not a multiple of the %s block size %d", ne, tt.name, tt.blockSize))
	}

	return ne / tt.blockSize * tt.typeSize
}

// ParseDType parst einen Typnamen wie "f16" oder "q4_0"
func ParseDType(s string) (DType, error) {
	for dt, tt := range typeTraitsTable {
		if tt.name == s {
			return dt, nil
		}
	}

	return 0, fmt.Errorf("ml: unsupported data type %q", s)
}
