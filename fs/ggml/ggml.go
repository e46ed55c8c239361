// Package ggml - Container-Format fuer Sprachmodelle
//
// Dieses Modul definiert die Kernstrukturen des On-Disk-Formats:
// - Magic: Dateikennung (0x67676d6c, little-endian)
// - Hyperparameters: sechs i32-Werte in exakter Datei-Reihenfolge
// - ErrFormat: Format-Fehler (Magic, Truncation, Shape-Mismatch)
//
// Der Aufbau der Datei:
//
//	magic: u32
//	hyperparameters: 6 x i32      (n_vocab, n_ctx, n_embd, n_head, n_layer, ftype)
//	n_vocab_check: i32            (muss n_vocab entsprechen)
//	n_vocab mal: word_len u32, word_bytes u8[word_len]
//	bis EOF: Tensor-Records (siehe TensorReader)
//
// Alle Integer sind little-endian.
package ggml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic ist die Dateikennung des Containers ("ggml" als u32, LE)
const Magic uint32 = 0x67676d6c

// ErrFormat kennzeichnet eine nicht lesbare oder inkonsistente Datei
var ErrFormat = errors.New("invalid model format")

// Hyperparameters sind die sechs Modell-Hyperparameter in exakter
// Datei-Reihenfolge
type Hyperparameters struct {
	NumVocab int32
	NumCtx   int32
	NumEmbd  int32
	NumHead  int32
	NumLayer int32
	FileType int32
}

// ReadMagic konsumiert und prueft die Dateikennung
func ReadMagic(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("%w: reading magic: %w", ErrFormat, err)
	}

	if magic != Magic {
		return fmt.Errorf("%w: magic %#010x, expected %#010x", ErrFormat, magic, Magic)
	}

	return nil
}

// ReadHyperparameters liest die Hyperparameter aus dem Stream
func ReadHyperparameters(r io.Reader) (*Hyperparameters, error) {
	var hp Hyperparameters
	if err := binary.Read(r, binary.LittleEndian, &hp); err != nil {
		return nil, fmt.Errorf("%w: reading hyperparameters: %w", ErrFormat, err)
	}

	if hp.NumVocab <= 0 || hp.NumCtx <= 0 || hp.NumEmbd <= 0 || hp.NumHead <= 0 || hp.NumLayer <= 0 {
		return nil, fmt.Errorf("%w: implausible hyperparameters %+v", ErrFormat, hp)
	}

	return &hp, nil
}

// ReadVocabulary liest das Token-Woerterbuch: zuerst der
// n_vocab-Kontrollwert, dann nVocab laengenpraefigierte Woerter
func ReadVocabulary(r io.Reader, nVocab int32) ([]string, error) {
	var check int32
	if err := binary.Read(r, binary.LittleEndian, &check); err != nil {
		return nil, fmt.Errorf("%w: reading vocabulary size: %w", ErrFormat, err)
	}

	if check != nVocab {
		return nil, fmt.Errorf("%w: vocabulary size %d does not match hyperparameter n_vocab %d", ErrFormat, check, nVocab)
	}

	words := make([]string, nVocab)
	for i := range words {
		var wordLen uint32
		if err := binary.Read(r, binary.LittleEndian, &wordLen); err != nil {
			return nil, fmt.Errorf("%w: reading word %d length: %w", ErrFormat, i, err)
		}

		buf := make([]byte, wordLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: reading word %d: %w", ErrFormat, i, err)
		}

		words[i] = string(buf)
	}

	return words, nil
}
