// quantize.go - Offline-Quantisierung einer Modelldatei
//
// Liest eine Container-Datei, schreibt Rang-2-Gewichte, deren Pfad die
// include-Regexes (und keine exclude-Regex) trifft, in einen
// quantisierten Typ um und serialisiert eine neue Datei. Die Records
// werden gestreamt, es wird nie das ganze Modell im Speicher gehalten.
package convert

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/smspillaz/ggml-go/fs/ggml"
	"github.com/smspillaz/ggml-go/ml"
)

// QuantizeResult fasst eine Offline-Quantisierung zusammen
type QuantizeResult struct {
	Quantized int
	Copied    int

	// Histogram zaehlt die beobachteten Quantisierungs-Codes in 16
	// Eimern
	Histogram []int64
}

// QuantizeStream schreibt das Modell aus r quantisiert nach w
func QuantizeStream(r io.Reader, w io.Writer, target ml.DType, include, exclude []string) (*QuantizeResult, error) {
	if !target.Quantized() && target != ml.DTypeF16 {
		return nil, fmt.Errorf("cannot quantize to %s", target)
	}

	includeRe, err := compileRegexes(include)
	if err != nil {
		return nil, err
	}

	excludeRe, err := compileRegexes(exclude)
	if err != nil {
		return nil, err
	}

	if err := ggml.ReadMagic(r); err != nil {
		return nil, err
	}

	hp, err := ggml.ReadHyperparameters(r)
	if err != nil {
		return nil, err
	}

	words, err := ggml.ReadVocabulary(r, hp.NumVocab)
	if err != nil {
		return nil, err
	}

	outHP := *hp
	if ft, err := ggml.FileTypeForWeightType(target); err == nil {
		outHP.FileType = int32(ft)
	}

	enc := ggml.NewEncoder(w)
	if err := enc.WriteHeader(&outHP, words); err != nil {
		return nil, err
	}

	result := &QuantizeResult{Histogram: make([]int64, ml.HistogramBuckets)}

	tr := ggml.NewTensorReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		raw := make([]byte, header.DataSize())
		if err := tr.ReadData(raw); err != nil {
			return nil, err
		}

		if !shouldQuantize(header, includeRe, excludeRe) {
			if err := enc.WriteTensor(header.Name, header.Dims, header.Type, raw); err != nil {
				return nil, err
			}

			result.Copied++
			continue
		}

		f32s := make([]float32, header.NumElements())
		switch header.Type {
		case ml.DTypeF32:
			copy(f32s, ml.F32View(raw))
		case ml.DTypeF16:
			ml.F16ToF32(raw, f32s)
		default:
			return nil, fmt.Errorf("%w: cannot quantize %s weight %q", ggml.ErrFormat, header.Type, header.Name)
		}

		out := make([]byte, header.NumElements()/target.BlockSize()*target.TypeSize())
		if target == ml.DTypeF16 {
			ml.F32ToF16(f32s, out)
		} else if err := ml.QuantizeRow(target, f32s, out, result.Histogram); err != nil {
			return nil, err
		}

		if err := enc.WriteTensor(header.Name, header.Dims, target, out); err != nil {
			return nil, err
		}

		result.Quantized++
	}

	return result, nil
}

func shouldQuantize(header *ggml.TensorHeader, include, exclude []*regexp.Regexp) bool {
	if len(header.Dims) != 2 || header.NumElements()%ml.QK != 0 {
		return false
	}

	for _, re := range exclude {
		if re.MatchString(header.Name) {
			return false
		}
	}

	for _, re := range include {
		if re.MatchString(header.Name) {
			return true
		}
	}

	return false
}

func compileRegexes(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid weight selector %q: %w", p, err)
		}

		out = append(out, re)
	}

	return out, nil
}
