package model

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// #region tokenizer

// Tokenizer maps text to token ids and back. Two resolutions: a vocab file
// (one token per line, id = line number) or the builtin byte-level vocab
// under the name "gpt2" for runs where the real tokenizer lives in the
// runner process.
type Tokenizer struct {
	tokens []string
	ids    map[string]int
	unk    int
	byteLevel bool
}

const unkToken = "<unk>"

// LoadTokenizer resolves tokenizer_path. An existing file is read as a
// vocab file; the name "gpt2" resolves to the builtin byte-level vocab;
// anything else fails with ErrLoad.
func LoadTokenizer(path string) (*Tokenizer, error) {
	if _, err := os.Stat(path); err == nil {
		return loadVocabFile(path)
	}
	if path == "gpt2" {
		return newByteTokenizer(), nil
	}
	return nil, fmt.Errorf("%w: tokenizer_path %q: no such file and not a builtin", ErrLoad, path)
}

func loadVocabFile(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open tokenizer %s: %v", ErrLoad, path, err)
	}
	defer f.Close()

	t := &Tokenizer{ids: map[string]int{}, unk: -1}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := scanner.Text()
		if tok == "" {
			continue
		}
		if _, dup := t.ids[tok]; dup {
			continue
		}
		if tok == unkToken {
			t.unk = len(t.tokens)
		}
		t.ids[tok] = len(t.tokens)
		t.tokens = append(t.tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read tokenizer %s: %v", ErrLoad, path, err)
	}
	if len(t.tokens) == 0 {
		return nil, fmt.Errorf("%w: tokenizer %s: empty vocab", ErrLoad, path)
	}
	if t.unk < 0 {
		t.unk = 0
	}
	return t, nil
}

func newByteTokenizer() *Tokenizer {
	t := &Tokenizer{ids: map[string]int{}, byteLevel: true}
	for i := 0; i < 256; i++ {
		tok := string(rune(i))
		t.ids[tok] = i
		t.tokens = append(t.tokens, tok)
	}
	t.unk = 0
	return t
}

// Size reports the vocabulary size.
func (t *Tokenizer) Size() int { return len(t.tokens) }

// Encode turns text into token ids. Byte-level vocabs encode raw bytes;
// file vocabs split on whitespace and map unknown words to the unk id.
func (t *Tokenizer) Encode(text string) []int {
	if t.byteLevel {
		ids := make([]int, len(text))
		for i := 0; i < len(text); i++ {
			ids[i] = int(text[i])
		}
		return ids
	}
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, w := range fields {
		id, ok := t.ids[w]
		if !ok {
			id = t.unk
		}
		ids[i] = id
	}
	return ids
}

// Decode turns token ids back into text. Out-of-range ids decode to the
// unk token.
func (t *Tokenizer) Decode(ids []int) string {
	if t.byteLevel {
		buf := make([]byte, len(ids))
		for i, id := range ids {
			if id < 0 || id > 255 {
				id = t.unk
			}
			buf[i] = byte(id)
		}
		return string(buf)
	}
	words := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			id = t.unk
		}
		words[i] = t.tokens[id]
	}
	return strings.Join(words, " ")
}

// #endregion tokenizer
