// quant.go - Block-Quantisierung und Dequantisierung
//
// Dieses Modul enthaelt:
// - QuantizeRow/quantizeQ*: F32 -> Qx_y Konvertierung pro 32er-Block
// - dequantizeRow/dequantizeQ*: Qx_y/F16 -> F32 Konvertierung
// - Histogramm der Quantisierungs-Codes (16 Eimer) fuer Diagnose
//
// Die Block-Layouts entsprechen dem ggml-Referenzformat: pro Block ein
// F16-Skalenfaktor d (und ggf. Offset m bzw. Summenterm s), gefolgt von
// den gepackten Codes. Bei 4- und 5-Bit-Typen liegt Element j im
// unteren Nibble von Byte j und Element j+16 im oberen.
package ml

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// QK ist die Blockgroesse aller quantisierten Typen
const QK = 32

// HistogramBuckets ist die Eimer-Anzahl des Quantisierungs-Histogramms
const HistogramBuckets = 16

func f16bits(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func f16tof32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// QuantizeRow konvertiert n F32-Werte nach dtype und schreibt die
// Bloecke nach dst. hist wird pro beobachtetem Code-Eimer erhoeht und
// darf nil sein. n muss ein Vielfaches der Blockgroesse sein.
func QuantizeRow(dtype DType, src []float32, dst []byte, hist []int64) error {
	if len(src)%QK != 0 {
		return fmt.Errorf("ml: quantize of %d elements, not a multiple of %d", len(src), QK)
	}

	switch dtype {
	case DTypeQ4_0:
		quantizeQ4_0(src, dst, hist)
	case DTypeQ4_1:
		quantizeQ4_1(src, dst, hist)
	case DTypeQ5_0:
		quantizeQ5_0(src, dst, hist)
	case DTypeQ5_1:
		quantizeQ5_1(src, dst, hist)
	case DTypeQ8_0:
		quantizeQ8_0(src, dst, hist)
	case DTypeQ8_1:
		quantizeQ8_1(src, dst, hist)
	default:
		return fmt.Errorf("ml: cannot quantize to %s", dtype)
	}

	return nil
}

func hist4(hist []int64, code uint8) {
	if hist != nil {
		hist[code&0x0f]++
	}
}

func hist5(hist []int64, code uint8) {
	if hist != nil {
		hist[(code>>1)&0x0f]++
	}
}

func hist8(hist []int64, code int8) {
	if hist != nil {
		hist[(int(code)+128)>>4]++
	}
}

func quantizeQ4_0(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + QK/2

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		var amax, maxv float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
				maxv = v
			}
		}

		d := maxv / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))

		for j := 0; j < QK/2; j++ {
			lo := uint8(min(15, int(x[j]*id+8.5)))
			hi := uint8(min(15, int(x[j+QK/2]*id+8.5)))
			hist4(hist, lo)
			hist4(hist, hi)
			out[2+j] = lo | hi<<4
		}
	}
}

func quantizeQ4_1(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + 2 + QK/2

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		minv := x[0]
		maxv := x[0]
		for _, v := range x {
			minv = min(minv, v)
			maxv = max(maxv, v)
		}

		d := (maxv - minv) / 15
		var id float32
		if d != 0 {
			id = 1 / d
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))
		binary.LittleEndian.PutUint16(out[2:], f16bits(minv))

		for j := 0; j < QK/2; j++ {
			lo := uint8(min(15, int((x[j]-minv)*id+0.5)))
			hi := uint8(min(15, int((x[j+QK/2]-minv)*id+0.5)))
			hist4(hist, lo)
			hist4(hist, hi)
			out[4+j] = lo | hi<<4
		}
	}
}

func quantizeQ5_0(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + 4 + QK/2

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		var amax, maxv float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
				maxv = v
			}
		}

		d := maxv / -16
		var id float32
		if d != 0 {
			id = 1 / d
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))

		var qh uint32
		for j := 0; j < QK/2; j++ {
			lo := uint8(min(31, int(x[j]*id+16.5)))
			hi := uint8(min(31, int(x[j+QK/2]*id+16.5)))
			hist5(hist, lo)
			hist5(hist, hi)
			out[6+j] = lo&0x0f | (hi&0x0f)<<4
			qh |= uint32(lo>>4) << j
			qh |= uint32(hi>>4) << (j + QK/2)
		}

		binary.LittleEndian.PutUint32(out[2:], qh)
	}
}

func quantizeQ5_1(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + 2 + 4 + QK/2

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		minv := x[0]
		maxv := x[0]
		for _, v := range x {
			minv = min(minv, v)
			maxv = max(maxv, v)
		}

		d := (maxv - minv) / 31
		var id float32
		if d != 0 {
			id = 1 / d
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))
		binary.LittleEndian.PutUint16(out[2:], f16bits(minv))

		var qh uint32
		for j := 0; j < QK/2; j++ {
			lo := uint8(min(31, int((x[j]-minv)*id+0.5)))
			hi := uint8(min(31, int((x[j+QK/2]-minv)*id+0.5)))
			hist5(hist, lo)
			hist5(hist, hi)
			out[8+j] = lo&0x0f | (hi&0x0f)<<4
			qh |= uint32(lo>>4) << j
			qh |= uint32(hi>>4) << (j + QK/2)
		}

		binary.LittleEndian.PutUint32(out[4:], qh)
	}
}

func quantizeQ8_0(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + QK

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		var amax float32
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}

		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))

		for j, v := range x {
			q := int8(math.RoundToEven(float64(v * id)))
			hist8(hist, q)
			out[2+j] = byte(q)
		}
	}
}

func quantizeQ8_1(src []float32, dst []byte, hist []int64) {
	const blockSize = 2 + 2 + QK

	for b := 0; b*QK < len(src); b++ {
		x := src[b*QK : (b+1)*QK]
		out := dst[b*blockSize:]

		var amax float32
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}

		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}

		var sum int32
		for j, v := range x {
			q := int8(math.RoundToEven(float64(v * id)))
			hist8(hist, q)
			out[4+j] = byte(q)
			sum += int32(q)
		}

		binary.LittleEndian.PutUint16(out[0:], f16bits(d))
		binary.LittleEndian.PutUint16(out[2:], f16bits(d*float32(sum)))
	}
}

// dequantizeRow konvertiert eine Zeile beliebigen Typs nach F32. dst
// muss die logische Element-Anzahl fassen.
func dequantizeRow(dtype DType, src []byte, dst []float32) {
	switch dtype {
	case DTypeF32:
		copy(dst, f32view(src))
	case DTypeF16:
		bits := f16view(src)
		for i := range dst {
			dst[i] = f16tof32(bits[i])
		}
	case DTypeQ4_0:
		dequantizeQ4_0(src, dst)
	case DTypeQ4_1:
		dequantizeQ4_1(src, dst)
	case DTypeQ5_0:
		dequantizeQ5_0(src, dst)
	case DTypeQ5_1:
		dequantizeQ5_1(src, dst)
	case DTypeQ8_0:
		dequantizeQ8_0(src, dst)
	case DTypeQ8_1:
		dequantizeQ8_1(src, dst)
	default:
		panic(fmt.Sprintf("ml: cannot dequantize %s", dtype))
	}
}

// DequantizeRow ist die exportierte Variante von dequantizeRow
func DequantizeRow(dtype DType, src []byte, dst []float32) {
	dequantizeRow(dtype, src, dst)
}

func dequantizeQ4_0(src []byte, dst []float32) {
	const blockSize = 2 + QK/2

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		for j := 0; j < QK/2; j++ {
			out[j] = (float32(in[2+j]&0x0f) - 8) * d
			out[j+QK/2] = (float32(in[2+j]>>4) - 8) * d
		}
	}
}

func dequantizeQ4_1(src []byte, dst []float32) {
	const blockSize = 2 + 2 + QK/2

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		m := f16tof32(binary.LittleEndian.Uint16(in[2:]))
		for j := 0; j < QK/2; j++ {
			out[j] = float32(in[4+j]&0x0f)*d + m
			out[j+QK/2] = float32(in[4+j]>>4)*d + m
		}
	}
}

func dequantizeQ5_0(src []byte, dst []float32) {
	const blockSize = 2 + 4 + QK/2

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		qh := binary.LittleEndian.Uint32(in[2:])
		for j := 0; j < QK/2; j++ {
			lo := uint32(in[6+j]&0x0f) | (qh>>j&1)<<4
			hi := uint32(in[6+j]>>4) | (qh>>(j+QK/2)&1)<<4
			out[j] = (float32(lo) - 16) * d
			out[j+QK/2] = (float32(hi) - 16) * d
		}
	}
}

func dequantizeQ5_1(src []byte, dst []float32) {
	const blockSize = 2 + 2 + 4 + QK/2

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		m := f16tof32(binary.LittleEndian.Uint16(in[2:]))
		qh := binary.LittleEndian.Uint32(in[4:])
		for j := 0; j < QK/2; j++ {
			lo := uint32(in[8+j]&0x0f) | (qh>>j&1)<<4
			hi := uint32(in[8+j]>>4) | (qh>>(j+QK/2)&1)<<4
			out[j] = float32(lo)*d + m
			out[j+QK/2] = float32(hi)*d + m
		}
	}
}

func dequantizeQ8_0(src []byte, dst []float32) {
	const blockSize = 2 + QK

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		for j := 0; j < QK; j++ {
			out[j] = float32(int8(in[2+j])) * d
		}
	}
}

func dequantizeQ8_1(src []byte, dst []float32) {
	const blockSize = 2 + 2 + QK

	for b := 0; b*QK < len(dst); b++ {
		in := src[b*blockSize:]
		out := dst[b*QK:]

		d := f16tof32(binary.LittleEndian.Uint16(in[0:]))
		for j := 0; j < QK; j++ {
			out[j] = float32(int8(in[4+j])) * d
		}
	}
}

// F32ToF16 konvertiert F32-Werte elementweise nach F16-Bytes
func F32ToF16(src []float32, dst []byte) {
	bits := f16view(dst)
	for i, v := range src {
		bits[i] = f16bits(v)
	}
}

// F16ToF32 konvertiert F16-Bytes elementweise nach F32
func F16ToF32(src []byte, dst []float32) {
	bits := f16view(src)
	for i := range dst {
		dst[i] = f16tof32(bits[i])
	}
}
