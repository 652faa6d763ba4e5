package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Canonicalizer turns the digest envelope of an entry into bytes. Equal
// logical content must always produce equal bytes.
type Canonicalizer interface {
	Name() string
	Canonicalize(prevHash string, p Payload) ([]byte, error)
}

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// NewCanonicalizer resolves a configured encoding name. Empty means JSON.
func NewCanonicalizer(name string) (Canonicalizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingJSON:
		return CanonicalJSON{}, nil
	case EncodingCBOR:
		return newCanonicalCBOR()
	default:
		return nil, fmt.Errorf("unknown canonical encoding %q", name)
	}
}

// CanonicalJSON encodes the envelope as compact JSON with object keys sorted at
// every depth. Numbers are written in their CanonicalNumber form.
type CanonicalJSON struct{}

func (CanonicalJSON) Name() string { return EncodingJSON }

func (CanonicalJSON) Canonicalize(prevHash string, p Payload) ([]byte, error) {
	env, err := envelope(prevHash, p, keepNumber)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", ErrDigest, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// CanonicalCBOR encodes the envelope with RFC 8949 Core Deterministic Encoding.
type CanonicalCBOR struct {
	mode cbor.EncMode
}

func newCanonicalCBOR() (CanonicalCBOR, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CanonicalCBOR{}, fmt.Errorf("cbor encoder: %w", err)
	}
	return CanonicalCBOR{mode: mode}, nil
}

func (CanonicalCBOR) Name() string { return EncodingCBOR }

func (c CanonicalCBOR) Canonicalize(prevHash string, p Payload) ([]byte, error) {
	if c.mode == nil {
		return nil, fmt.Errorf("%w: cbor encoder not initialized", ErrDigest)
	}
	env, err := envelope(prevHash, p, numberToNative)
	if err != nil {
		return nil, err
	}
	out, err := c.mode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", ErrDigest, err)
	}
	return out, nil
}

// envelope mirrors {prevHash, entrySansHash}; prevHash is omitted for the
// first entry of a chain.
func envelope(prevHash string, p Payload, num func(json.Number) (any, error)) (map[string]any, error) {
	if err := validStrings(prevHash, p); err != nil {
		return nil, err
	}
	details, err := decodeDetails(p.Details, num)
	if err != nil {
		return nil, err
	}
	media := make([]any, 0, len(p.Media))
	for _, m := range p.Media {
		media = append(media, map[string]any{
			"url":  m.URL,
			"kind": string(m.Kind),
		})
	}
	env := map[string]any{
		"entrySansHash": map[string]any{
			"id":          p.ID,
			"incidentId":  p.IncidentID,
			"actorId":     p.ActorID,
			"actionType":  string(p.ActionType),
			"detailsJSON": details,
			"media":       media,
			"createdAt":   p.CreatedAt,
		},
	}
	if prevHash != "" {
		env["prevHash"] = prevHash
	}
	return env, nil
}

// validStrings rejects fields the encoders would rewrite to U+FFFD.
func validStrings(prevHash string, p Payload) error {
	type field struct{ name, value string }
	fields := []field{
		{"prevHash", prevHash},
		{"id", p.ID},
		{"incidentId", p.IncidentID},
		{"actorId", p.ActorID},
		{"actionType", string(p.ActionType)},
		{"createdAt", p.CreatedAt},
	}
	for i, m := range p.Media {
		fields = append(fields,
			field{fmt.Sprintf("media[%d].url", i), m.URL},
			field{fmt.Sprintf("media[%d].kind", i), string(m.Kind)},
		)
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrDigest, f.name)
		}
	}
	return nil
}

func decodeDetails(raw json.RawMessage, num func(json.Number) (any, error)) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: details are not valid UTF-8", ErrDigest)
	}
	if err := checkSurrogateEscapes(raw); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrDigest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: details: trailing data", ErrDigest)
	}
	return convertNumbers(v, num)
}

// checkSurrogateEscapes rejects \u escapes that encoding/json would decode to
// U+FFFD: a high surrogate not followed by a low one, or a lone low surrogate.
// Backslashes only occur inside strings in valid JSON.
func checkSurrogateEscapes(raw []byte) error {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			continue
		}
		if raw[i+1] != 'u' {
			i++
			continue
		}
		r, ok := escapedRune(raw, i)
		if !ok {
			// malformed escape, left to the decoder
			i++
			continue
		}
		switch {
		case r >= 0xD800 && r < 0xDC00:
			low, ok := escapedRune(raw, i+6)
			if !ok || low < 0xDC00 || low > 0xDFFF {
				return fmt.Errorf("%w: details: unpaired surrogate escape", ErrDigest)
			}
			i += 11
		case r >= 0xDC00 && r <= 0xDFFF:
			return fmt.Errorf("%w: details: unpaired surrogate escape", ErrDigest)
		default:
			i += 5
		}
	}
	return nil
}

func escapedRune(raw []byte, at int) (rune, bool) {
	if at+6 > len(raw) || raw[at] != '\\' || raw[at+1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(string(raw[at+2:at+6]), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

func convertNumbers(v any, num func(json.Number) (any, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			conv, err := convertNumbers(item, num)
			if err != nil {
				return nil, err
			}
			t[k] = conv
		}
		return t, nil
	case []any:
		for i, item := range t {
			conv, err := convertNumbers(item, num)
			if err != nil {
				return nil, err
			}
			t[i] = conv
		}
		return t, nil
	case json.Number:
		return num(t)
	default:
		return v, nil
	}
}

// CanonicalNumber returns the one literal every encoding of the same value
// maps to. Integer literals keep all their digits. Other literals must be
// exactly representable as float64; integral values are written as integers
// and the rest the way JavaScript's Number#toString writes them, so 1, 1.0
// and 1e0 are the same number.
func CanonicalNumber(lit string) (string, error) {
	if isIntegerLiteral(lit) {
		if lit == "-0" {
			return "0", nil
		}
		return lit, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: number %s out of range", ErrDigest, lit)
	}
	digits, exp, err := decimalParts(lit)
	if err != nil {
		return "", fmt.Errorf("%w: number %s: %v", ErrDigest, lit, err)
	}
	if f == 0 {
		if digits != "" {
			return "", fmt.Errorf("%w: number %s underflows float64", ErrDigest, lit)
		}
		return "0", nil
	}
	shortDigits, shortExp, err := decimalParts(strconv.FormatFloat(math.Abs(f), 'e', -1, 64))
	if err != nil || shortDigits != digits || shortExp != exp {
		return "", fmt.Errorf("%w: number %s is not exactly representable", ErrDigest, lit)
	}
	sign := ""
	if f < 0 {
		sign = "-"
	}
	if exp >= 0 {
		return sign + digits + strings.Repeat("0", exp), nil
	}
	return sign + jsDecimal(digits, exp), nil
}

func isIntegerLiteral(lit string) bool {
	s := strings.TrimPrefix(lit, "-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// decimalParts reduces an unsigned-or-signed decimal literal to significant
// digits and a power of ten: value = digits * 10^exp. Zero yields "".
func decimalParts(lit string) (string, int, error) {
	s := strings.TrimLeft(lit, "+-")
	mant, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mant = s[:i]
		e, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
		if err != nil {
			return "", 0, err
		}
		exp = e
	}
	if dot := strings.IndexByte(mant, '.'); dot >= 0 {
		exp -= len(mant) - dot - 1
		mant = mant[:dot] + mant[dot+1:]
	}
	mant = strings.TrimLeft(mant, "0")
	if mant == "" {
		return "", 0, nil
	}
	trimmed := strings.TrimRight(mant, "0")
	exp += len(mant) - len(trimmed)
	return trimmed, exp, nil
}

// jsDecimal renders a non-integral digits*10^exp (exp < 0).
func jsDecimal(digits string, exp int) string {
	k := len(digits)
	n := k + exp
	switch {
	case n > 0 && n <= 21:
		return digits[:n] + "." + digits[n:]
	case n <= 0 && n > -6:
		return "0." + strings.Repeat("0", -n) + digits
	}
	out := digits[:1]
	if k > 1 {
		out += "." + digits[1:]
	}
	e := n - 1
	if e >= 0 {
		return out + "e+" + strconv.Itoa(e)
	}
	return out + "e-" + strconv.Itoa(-e)
}

func keepNumber(n json.Number) (any, error) {
	lit, err := CanonicalNumber(n.String())
	if err != nil {
		return nil, err
	}
	return json.Number(lit), nil
}

func numberToNative(n json.Number) (any, error) {
	lit, err := CanonicalNumber(n.String())
	if err != nil {
		return nil, err
	}
	if !isIntegerLiteral(lit) {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: number %s: %v", ErrDigest, lit, err)
		}
		return f, nil
	}
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(lit, 10, 64); err == nil {
		return u, nil
	}
	b, ok := new(big.Int).SetString(lit, 10)
	if !ok {
		return nil, fmt.Errorf("%w: number %s", ErrDigest, lit)
	}
	return b, nil
}
