// tokenizer.go - GPT-2 Tokenizer
//
// Dieses Modul enthaelt:
// - Tokenize: Split per GPT-2-Regex, dann Longest-Prefix-Match gegen
//   das Woerterbuch
//
// Die Vorzerlegungs-Regex benoetigt Unicode-Kategorien und einen
// negativen Lookahead ((?!\S)), den das regexp-Paket der
// Standardbibliothek nicht unterstuetzt, daher regexp2.
package model

import (
	"github.com/dlclark/regexp2"
)

const gptSplitPattern = `('s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+)`

var gptSplitRegex = regexp2.MustCompile(gptSplitPattern, regexp2.None)

// splitWords zerlegt die Eingabe mit der GPT-2-Vorzerlegungs-Regex
func splitWords(s string) ([]string, error) {
	var words []string

	m, err := gptSplitRegex.FindStringMatch(s)
	for m != nil && err == nil {
		words = append(words, m.String())
		m, err = gptSplitRegex.FindNextMatch(m)
	}

	if err != nil {
		return nil, err
	}

	return words, nil
}

// Tokenize kodiert die Eingabe in Token-Ids. Pro Wort wird von links
// der laengste im Woerterbuch vorhandene Praefix gewaehlt; Bytes ohne
// Treffer werden uebersprungen. Das reproduziert die Ausgaben des
// Referenz-Tokenizers fuer das veroeffentlichte GPT-2-Vokabular.
func Tokenize(dict *TokenDictionary, s string) ([]int32, error) {
	words, err := splitWords(s)
	if err != nil {
		return nil, err
	}

	tokens := make([]int32, 0, len(words))
	for _, word := range words {
		for start := 0; start < len(word); {
			matched := false

			for end := len(word) - 1; end >= start; end-- {
				if id, ok := dict.Lookup(word[start : end+1]); ok {
					tokens = append(tokens, id)
					start = end + 1
					matched = true
					break
				}
			}

			if !matched {
				start++
			}
		}
	}

	return tokens, nil
}
