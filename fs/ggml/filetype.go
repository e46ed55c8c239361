// filetype.go - FileType: Standard-Gewichtstyp einer Modelldatei
//
// Das ftype-Hyperparameter-Feld ist ein gepackter Integer, dessen
// untere Bits den Standard-Gewichtstyp der Datei kodieren.
package ggml

import (
	"fmt"

	"github.com/smspillaz/ggml-go/ml"
)

// FileType kodiert den Standard-Gewichtstyp einer Modelldatei
type FileType int32

const (
	FileTypeF32 FileType = iota
	FileTypeF16
	FileTypeQ4_0
	FileTypeQ4_1
	fileTypeQ4_1F16 // historisch, nicht unterstuetzt
	fileTypeQ4_2    // entfernt
	fileTypeQ4_3    // entfernt
	FileTypeQ8_0
	FileTypeQ5_0
	FileTypeQ5_1
)

// ftypeVersionFactor trennt Format-Versionen im gepackten ftype-Feld
const ftypeVersionFactor = 1000

func (ft FileType) String() string {
	switch ft {
	case FileTypeF32:
		return "f32"
	case FileTypeF16:
		return "f16"
	case FileTypeQ4_0:
		return "q4_0"
	case FileTypeQ4_1:
		return "q4_1"
	case FileTypeQ8_0:
		return "q8_0"
	case FileTypeQ5_0:
		return "q5_0"
	case FileTypeQ5_1:
		return "q5_1"
	default:
		return fmt.Sprintf("FileType(%d)", int32(ft))
	}
}

// WeightType gibt den Tensor-Typ zurueck, den Gewichte dieser Datei
// standardmaessig haben
func (ft FileType) WeightType() (ml.DType, error) {
	switch ft {
	case FileTypeF32:
		return ml.DTypeF32, nil
	case FileTypeF16:
		return ml.DTypeF16, nil
	case FileTypeQ4_0:
		return ml.DTypeQ4_0, nil
	case FileTypeQ4_1:
		return ml.DTypeQ4_1, nil
	case FileTypeQ8_0:
		return ml.DTypeQ8_0, nil
	case FileTypeQ5_0:
		return ml.DTypeQ5_0, nil
	case FileTypeQ5_1:
		return ml.DTypeQ5_1, nil
	default:
		return 0, fmt.Errorf("%w: unsupported file type %d", ErrFormat, int32(ft))
	}
}

// ParseFileType entpackt das ftype-Hyperparameter-Feld
func ParseFileType(packed int32) FileType {
	return FileType(packed % ftypeVersionFactor)
}

// FileTypeForWeightType gibt den FileType zurueck, der dtype als
// Standard-Gewichtstyp kodiert
func FileTypeForWeightType(dtype ml.DType) (FileType, error) {
	switch dtype {
	case ml.DTypeF32:
		return FileTypeF32, nil
	case ml.DTypeF16:
		return FileTypeF16, nil
	case ml.DTypeQ4_0:
		return FileTypeQ4_0, nil
	case ml.DTypeQ4_1:
		return FileTypeQ4_1, nil
	case ml.DTypeQ8_0:
		return FileTypeQ8_0, nil
	case ml.DTypeQ5_0:
		return FileTypeQ5_0, nil
	case ml.DTypeQ5_1:
		return FileTypeQ5_1, nil
	default:
		return 0, fmt.Errorf("ggml: no file type encodes weight type %s", dtype)
	}
}
