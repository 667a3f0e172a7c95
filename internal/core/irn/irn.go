// Package irn generates Invoice Reference Numbers.
package irn

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
)

// DefaultPrefix is used when the generator is built without a prefix.
const DefaultPrefix = "IRN"

const (
	timestampLayout = "20060102150405"
	suffixBytes     = 8
)

// ErrInvalidTaxID is returned when the tax identifier cannot be embedded in an IRN.
var ErrInvalidTaxID = errors.New("invalid tax identifier")

// Generator builds IRNs of the form PREFIX-TAXID-YYYYMMDDHHMMSS-RANDOM.
//
// The random suffix carries 64 bits of entropy, so collisions are negligible
// even for many IRNs issued by the same business within one second.
type Generator struct {
	prefix string
	now    func() time.Time
	random io.Reader
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom overrides the entropy source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// NewGenerator returns a generator using the given authority prefix.
func NewGenerator(prefix string, opts ...Option) *Generator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	g := &Generator{
		prefix: prefix,
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a new IRN for the business identified by taxID.
func (g *Generator) Generate(taxID string) (string, error) {
	normalized, err := normalizeTaxID(taxID)
	if err != nil {
		return "", err
	}

	suffix := make([]byte, suffixBytes)
	if _, err := io.ReadFull(g.random, suffix); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}

	return fmt.Sprintf("%s-%s-%s-%s",
		g.prefix,
		normalized,
		g.now().UTC().Format(timestampLayout),
		strings.ToUpper(hex.EncodeToString(suffix)),
	), nil
}

// normalizeTaxID strips separators so the IRN stays a single dash-delimited token
// per component.
func normalizeTaxID(taxID string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(taxID) {
		switch {
		case r == '-' || r == ' ' || r == '.' || r == '/':
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToUpper(r))
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidTaxID, r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidTaxID)
	}
	return b.String(), nil
}
