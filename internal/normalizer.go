package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/qcollector/dynatable"
)

// hashSuffixLen is the number of hex digits appended to disambiguate
// truncated or exhausted names.
const hashSuffixLen = 8

// asciiFold strips combining marks so accented Latin text survives the
// ASCII filter. Non-Latin scripts are unaffected and fall through to the
// byte-hash path.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalizer converts human-supplied labels into deterministic, collision-free
// SQL identifiers. It never fails for non-empty input: every fallback path
// still yields a valid name.
type Normalizer struct {
	translator dynatable.Translator
	maxBytes   int
	maxRetries int
	logger     *zap.Logger
}

// NewNormalizer builds a Normalizer. translator may be nil, in which case
// non-ASCII input goes straight to the transliteration fallback.
func NewNormalizer(translator dynatable.Translator, cfg dynatable.NormalizerConfig, logger *zap.Logger) *Normalizer {
	maxBytes := cfg.MaxNameBytes
	if maxBytes <= 0 || maxBytes > 63 {
		maxBytes = 63
	}
	maxRetries := cfg.MaxCollisionRetries
	if maxRetries <= 0 {
		maxRetries = 50
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Normalizer{
		translator: translator,
		maxBytes:   maxBytes,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Normalize resolves text into a valid SQL identifier of the given kind that
// does not collide with any name in existing. The result always matches
// ^[a-z_][a-z0-9_]{0,62}$ and is never a reserved word. Given the same
// (text, kind) and the same existing set, the result is identical across
// calls, so repeated form edits never spuriously rename columns.
func (n *Normalizer) Normalize(ctx context.Context, text string, kind dynatable.IdentifierKind, existing map[string]bool) (string, error) {
	base := n.baseName(ctx, text, kind, existing)

	if IsReservedWord(base) {
		base = base + reservedSuffix(kind)
	}

	base = n.boundLength(base)

	if !existing[base] {
		return base, nil
	}

	// Bounded numeric disambiguation, then a content-hash suffix.
	for i := 2; i < 2+n.maxRetries; i++ {
		candidate := n.withSuffix(base, fmt.Sprintf("_%d", i))
		if !existing[candidate] {
			return candidate, nil
		}
	}
	hashed := n.withSuffix(base, "_"+contentHash(text+":"+string(kind)))
	if !existing[hashed] {
		n.logger.Warn("identifier collision retries exhausted, using hash suffix",
			zap.String("source", text), zap.String("name", hashed))
		return hashed, nil
	}
	return "", dynatable.NewSchemaConflictError(hashed).
		WithDetail("sourceText", text).
		WithDetail("kind", string(kind))
}

// Resolve is a convenience wrapper returning the full mapping record.
func (n *Normalizer) Resolve(ctx context.Context, text string, kind dynatable.IdentifierKind, existing map[string]bool) (dynatable.ResolvedIdentifier, error) {
	name, err := n.Normalize(ctx, text, kind, existing)
	if err != nil {
		return dynatable.ResolvedIdentifier{}, err
	}
	return dynatable.ResolvedIdentifier{SourceText: text, NormalizedName: name, Kind: kind}, nil
}

// baseName produces the pre-collision-handling name: translated or
// transliterated to ASCII, slugged, non-empty, not digit-leading.
func (n *Normalizer) baseName(ctx context.Context, text string, kind dynatable.IdentifierKind, existing map[string]bool) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return placeholder(kind, existing)
	}

	ascii := trimmed
	if hasNonASCII(trimmed) {
		ascii = n.toASCII(ctx, trimmed)
	}

	slug := slugify(ascii)
	if slug == "" {
		// Nothing representable survived stripping; hash the raw bytes so
		// distinct labels in the same script still get distinct names.
		slug = "t_" + contentHash(trimmed)
	}
	if slug[0] >= '0' && slug[0] <= '9' {
		slug = "_" + slug
	}
	return slug
}

// toASCII asks the translation collaborator for an English gloss, falling
// back to diacritic stripping when the sidecar is unavailable. Both paths are
// deterministic for a given input.
func (n *Normalizer) toASCII(ctx context.Context, text string) string {
	if n.translator != nil {
		gloss, err := n.translator.Translate(ctx, text)
		if err == nil && strings.TrimSpace(gloss) != "" {
			return gloss
		}
		if err != nil {
			n.logger.Debug("translation fallback", zap.String("text", text), zap.Error(err))
		}
	}
	folded, _, err := transform.String(asciiFold, text)
	if err != nil {
		return text
	}
	return folded
}

// placeholder names the empty-title case. The sequence number comes from the
// existing set rather than normalizer state, so identical (text, existing)
// inputs always resolve to the same name.
func placeholder(kind dynatable.IdentifierKind, existing map[string]bool) string {
	prefix := "col"
	if kind == dynatable.IdentifierTable {
		prefix = "tbl"
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", prefix, i)
		if !existing[name] {
			return name
		}
	}
}

// boundLength truncates names over the byte budget, appending a content hash
// of the pre-truncation string so distinct long names stay distinct.
func (n *Normalizer) boundLength(name string) string {
	if len(name) <= n.maxBytes {
		return name
	}
	keep := n.maxBytes - hashSuffixLen - 1
	truncated := strings.TrimRight(name[:keep], "_")
	return truncated + "_" + contentHash(name)
}

// withSuffix appends suffix, shrinking the base first if the result would
// exceed the byte budget.
func (n *Normalizer) withSuffix(base, suffix string) string {
	if len(base)+len(suffix) <= n.maxBytes {
		return base + suffix
	}
	keep := n.maxBytes - len(suffix)
	return strings.TrimRight(base[:keep], "_") + suffix
}

func reservedSuffix(kind dynatable.IdentifierKind) string {
	if kind == dynatable.IdentifierTable {
		return "_table"
	}
	return "_col"
}

// slugify lowercases and reduces text to [a-z0-9_], collapsing separator
// runs and trimming leading/trailing underscores.
func slugify(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastUnderscore := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func hasNonASCII(text string) bool {
	for _, r := range text {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// contentHash returns the first 8 hex digits of the SHA-256 of s.
func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashSuffixLen]
}
