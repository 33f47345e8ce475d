package internal

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qcollector/dynatable"
)

type stubTranslator struct {
	out map[string]string
	err error
}

func (s *stubTranslator) Translate(_ context.Context, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.out[text], nil
}

func (s *stubTranslator) Health(context.Context) error { return s.err }

func newTestNormalizer(t *stubTranslator) *Normalizer {
	return NewNormalizer(t, dynatable.NormalizerConfig{MaxNameBytes: 63, MaxCollisionRetries: 50}, zap.NewNop())
}

func TestNormalizeASCII(t *testing.T) {
	n := newTestNormalizer(nil)
	cases := []struct {
		in   string
		want string
	}{
		{"Full Name", "full_name"},
		{"  Email Address  ", "email_address"},
		{"Phone (Mobile)", "phone_mobile"},
		{"A--B__C", "a_b_c"},
		{"UPPER", "upper"},
	}
	for _, tc := range cases {
		got, err := n.Normalize(context.Background(), tc.in, dynatable.IdentifierColumn, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestNormalizeTranslated(t *testing.T) {
	tr := &stubTranslator{out: map[string]string{
		"ชื่อเต็ม":   "Full Name",
		"ที่อยู่":    "Address",
		"แบบสอบถาม": "Questionnaire",
	}}
	n := newTestNormalizer(tr)

	got, err := n.Normalize(context.Background(), "ชื่อเต็ม", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "full_name", got)

	got, err = n.Normalize(context.Background(), "แบบสอบถาม", dynatable.IdentifierTable, nil)
	require.NoError(t, err)
	assert.Equal(t, "questionnaire", got)
}

func TestNormalizeTranslatorDownFallsBack(t *testing.T) {
	tr := &stubTranslator{err: errors.New("sidecar down")}
	n := newTestNormalizer(tr)

	// Accented Latin survives via diacritic stripping.
	got, err := n.Normalize(context.Background(), "Café Münü", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "cafe_munu", got)

	// Thai has no ASCII after folding; the raw bytes are hashed instead.
	got, err = n.Normalize(context.Background(), "ชื่อเต็ม", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^t_[0-9a-f]{8}$`, got)

	// Distinct untranslatable labels still get distinct names.
	other, err := n.Normalize(context.Background(), "ที่อยู่", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}

func TestNormalizeDeterministic(t *testing.T) {
	tr := &stubTranslator{err: errors.New("down")}
	for _, in := range []string{"Full Name", "ชื่อเต็ม", "Café", "order"} {
		a := newTestNormalizer(tr)
		b := newTestNormalizer(tr)
		ra, err := a.Normalize(context.Background(), in, dynatable.IdentifierColumn, nil)
		require.NoError(t, err)
		rb, err := b.Normalize(context.Background(), in, dynatable.IdentifierColumn, nil)
		require.NoError(t, err)
		assert.Equal(t, ra, rb, "input %q", in)
	}
}

func TestNormalizeEmptyInputPlaceholder(t *testing.T) {
	n := newTestNormalizer(nil)

	c1, err := n.Normalize(context.Background(), "", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "col_1", c1)

	c2, err := n.Normalize(context.Background(), "   ", dynatable.IdentifierColumn, map[string]bool{"col_1": true})
	require.NoError(t, err)
	assert.Equal(t, "col_2", c2)

	tbl, err := n.Normalize(context.Background(), "", dynatable.IdentifierTable, nil)
	require.NoError(t, err)
	assert.Equal(t, "tbl_1", tbl)
}

func TestNormalizeEmptyInputDeterministic(t *testing.T) {
	n := newTestNormalizer(nil)
	existing := map[string]bool{"col_1": true, "col_2": true}

	first, err := n.Normalize(context.Background(), "", dynatable.IdentifierColumn, existing)
	require.NoError(t, err)
	second, err := n.Normalize(context.Background(), "", dynatable.IdentifierColumn, existing)
	require.NoError(t, err)
	assert.Equal(t, "col_3", first)
	assert.Equal(t, first, second)
}

func TestNormalizeDigitPrefix(t *testing.T) {
	n := newTestNormalizer(nil)
	got, err := n.Normalize(context.Background(), "2nd Address", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "_2nd_address", got)
}

func TestNormalizeReservedWords(t *testing.T) {
	n := newTestNormalizer(nil)

	got, err := n.Normalize(context.Background(), "Order", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "order_col", got)

	got, err = n.Normalize(context.Background(), "User", dynatable.IdentifierTable, nil)
	require.NoError(t, err)
	assert.Equal(t, "user_table", got)

	got, err = n.Normalize(context.Background(), "Select", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "select_col", got)
}

func TestNormalizeTruncation(t *testing.T) {
	n := newTestNormalizer(nil)
	long := strings.Repeat("very long field title ", 10)

	got, err := n.Normalize(context.Background(), long, dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 63)
	assert.Regexp(t, `_[0-9a-f]{8}$`, got)

	// A different long title truncating to the same prefix stays distinct.
	other, err := n.Normalize(context.Background(), long+"x", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}

func TestNormalizeCollisions(t *testing.T) {
	n := newTestNormalizer(nil)
	existing := map[string]bool{"full_name": true}

	got, err := n.Normalize(context.Background(), "Full Name", dynatable.IdentifierColumn, existing)
	require.NoError(t, err)
	assert.Equal(t, "full_name_2", got)

	existing["full_name_2"] = true
	got, err = n.Normalize(context.Background(), "Full Name", dynatable.IdentifierColumn, existing)
	require.NoError(t, err)
	assert.Equal(t, "full_name_3", got)
}

func TestNormalizeCollisionExhaustionHashes(t *testing.T) {
	n := NewNormalizer(nil, dynatable.NormalizerConfig{MaxNameBytes: 63, MaxCollisionRetries: 3}, zap.NewNop())
	existing := map[string]bool{
		"full_name":   true,
		"full_name_2": true,
		"full_name_3": true,
		"full_name_4": true,
	}
	got, err := n.Normalize(context.Background(), "Full Name", dynatable.IdentifierColumn, existing)
	require.NoError(t, err)
	assert.Regexp(t, `^full_name_[0-9a-f]{8}$`, got)
}

func TestNormalizeOutputShape(t *testing.T) {
	tr := &stubTranslator{err: errors.New("down")}
	n := newTestNormalizer(tr)
	shape := regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

	inputs := []string{
		"", "   ", "Full Name", "2nd Address", "Order", "Select", "User",
		"Café Münü", "ชื่อเต็ม", "!!!", "a" + strings.Repeat("b", 200),
		"Mixed ภาษา Title", "tabs\tand\nnewlines", "__", "ALL CAPS TITLE",
	}
	for _, in := range inputs {
		for _, kind := range []dynatable.IdentifierKind{dynatable.IdentifierColumn, dynatable.IdentifierTable} {
			got, err := n.Normalize(context.Background(), in, kind, nil)
			require.NoError(t, err, "input %q kind %v", in, kind)
			assert.Regexp(t, shape, got, "input %q kind %v", in, kind)
			assert.False(t, reservedWords[got], "input %q produced reserved word %q", in, got)
		}
	}
}

func TestResolveCarriesSource(t *testing.T) {
	n := newTestNormalizer(nil)
	res, err := n.Resolve(context.Background(), "Full Name", dynatable.IdentifierColumn, nil)
	require.NoError(t, err)
	assert.Equal(t, "Full Name", res.SourceText)
	assert.Equal(t, "full_name", res.NormalizedName)
	assert.Equal(t, dynatable.IdentifierColumn, res.Kind)
}
