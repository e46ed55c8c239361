// types_test.go - Unit-Tests fuer die Typ-Tabelle
package ml

import (
	"testing"
)

// TestTypeTraits prueft Element- und Blockgroessen der Typ-Tabelle
func TestTypeTraits(t *testing.T) {
	tests := []struct {
		dtype     DType
		typeSize  int64
		blockSize int64
	}{
		{DTypeF32, 4, 1},
		{DTypeF16, 2, 1},
		{DTypeQ4_0, 18, 32},
		{DTypeQ4_1, 20, 32},
		{DTypeQ5_0, 22, 32},
		{DTypeQ5_1, 24, 32},
		{DTypeQ8_0, 34, 32},
		{DTypeQ8_1, 36, 32},
		{DTypeI8, 1, 1},
		{DTypeI16, 2, 1},
		{DTypeI32, 4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			if got := tt.dtype.TypeSize(); got != tt.typeSize {
				t.Errorf("TypeSize: erwartet %d, bekommen %d", tt.typeSize, got)
			}
			if got := tt.dtype.BlockSize(); got != tt.blockSize {
				t.Errorf("BlockSize: erwartet %d, bekommen %d", tt.blockSize, got)
			}
		})
	}
}

// TestStableEncoding prueft die stabile numerische Kodierung der Typen
func TestStableEncoding(t *testing.T) {
	encodings := map[DType]int32{
		DTypeF32:  0,
		DTypeF16:  1,
		DTypeQ4_0: 2,
		DTypeQ4_1: 3,
		DTypeQ5_0: 6,
		DTypeQ5_1: 7,
		DTypeQ8_0: 8,
		DTypeQ8_1: 9,
		DTypeI8:   16,
		DTypeI16:  17,
		DTypeI32:  18,
	}

	for dtype, want := range encodings {
		if int32(dtype) != want {
			t.Errorf("%s: erwartet Kodierung %d, bekommen %d", dtype, want, int32(dtype))
		}
	}
}

// TestRowSize prueft die Byte-Groesse von Zeilen
func TestRowSize(t *testing.T) {
	if got := DTypeF32.RowSize(10); got != 40 {
		t.Errorf("f32 RowSize(10): erwartet 40, bekommen %d", got)
	}

	// 64 Elemente = 2 Bloecke q4_0 zu je 18 Bytes
	if got := DTypeQ4_0.RowSize(64); got != 36 {
		t.Errorf("q4_0 RowSize(64): erwartet 36, bekommen %d", got)
	}
}

// TestTensorBytes prueft die Invariante
// bytes = n_elements * type_size / block_size
func TestTensorBytes(t *testing.T) {
	ctx := NewContext(1 << 20)
	defer ctx.Close()

	tests := []struct {
		dtype DType
		ne    []int64
		want  int64
	}{
		{DTypeF32, []int64{3, 5}, 60},
		{DTypeF16, []int64{4, 2, 2}, 32},
		{DTypeQ8_0, []int64{64, 2}, 2 * 2 * 34},
		{DTypeI32, []int64{7}, 28},
	}

	for _, tt := range tests {
		tensor := ctx.NewTensor(tt.dtype, tt.ne...)
		if got := tensor.Bytes(); got != tt.want {
			t.Errorf("%s%v: erwartet %d Bytes, bekommen %d", tt.dtype, tt.ne, tt.want, got)
		}
	}
}

// TestParseDType prueft das Parsen von Typ-Namen
func TestParseDType(t *testing.T) {
	dtype, err := ParseDType("q5_1")
	if err != nil {
		t.Fatal(err)
	}
	if dtype != DTypeQ5_1 {
		t.Errorf("erwartet q5_1, bekommen %s", dtype)
	}

	if _, err := ParseDType("q2_k"); err == nil {
		t.Error("erwartet Fehler fuer unbekannten Typ")
	}
}
