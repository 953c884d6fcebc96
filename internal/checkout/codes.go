package checkout

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

const (
	// DefaultCodeLength matches the buy order column width.
	DefaultCodeLength = 16

	maxCodeAttempts = 5
)

// CodeIndex answers whether a buy order code is already taken.
type CodeIndex interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// CodeGenerator produces the human-friendly buy order codes printed on
// receipts and read over the phone. Characters easily confused in print
// (O/0, I/1, J, B) are remapped to unambiguous ones.
type CodeGenerator struct {
	index    CodeIndex
	attempts int
}

func NewCodeGenerator(index CodeIndex) *CodeGenerator {
	return &CodeGenerator{index: index, attempts: maxCodeAttempts}
}

// Generate returns a fresh code of the requested length, retrying on
// collision up to a fixed bound before giving up with ErrCodeExhausted.
func (g *CodeGenerator) Generate(ctx context.Context, length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	for attempt := 0; attempt < g.attempts; attempt++ {
		code, err := randomCode(length)
		if err != nil {
			return "", err
		}

		exists, err := g.index.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("code uniqueness check: %w", err)
		}
		if !exists {
			return code, nil
		}
	}

	return "", fmt.Errorf("%w: %d attempts", domain.ErrCodeExhausted, g.attempts)
}

func randomCode(length int) (string, error) {
	// One byte picks digit vs letter, a second picks the value;
	// reusing a single byte for both skews the alphabet.
	buf := make([]byte, 2*length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	code := make([]byte, length)
	for i := 0; i < length; i++ {
		choice, value := buf[2*i], buf[2*i+1]
		if choice%2 == 0 {
			code[i] = '0' + value%10
		} else {
			code[i] = 'A' + value%26
		}
	}

	return disambiguate(code), nil
}

// disambiguate replaces visually confusable characters.
func disambiguate(code []byte) string {
	for i, c := range code {
		switch c {
		case 'O':
			code[i] = '0'
		case 'I':
			code[i] = '1'
		case 'J':
			code[i] = 'X'
		case 'B':
			code[i] = '3'
		}
	}
	return string(code)
}
