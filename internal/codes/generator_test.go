package codes_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/123ashny/KENYASHIP/internal/codes"
)

const secret = "kenyaship-hmac-secret-for-tests-0001"

func TestGenerate_Deterministic(t *testing.T) {
	g := codes.NewGenerator(secret, 30*time.Minute)

	first := g.Generate("delivery-100", "user-7", "safari")
	second := g.Generate("delivery-100", "user-7", "safari")
	assert.Equal(t, first.Code, second.Code)
	assert.NotEqual(t, first.ID, second.ID, "issue ids are unique per issuance")
}

func TestGenerate_VariesByInput(t *testing.T) {
	g := codes.NewGenerator(secret, 30*time.Minute)

	base := g.Generate("delivery-100", "user-7", "safari").Code
	assert.NotEqual(t, base, g.Generate("delivery-101", "user-7", "safari").Code)
	assert.NotEqual(t, base, g.Generate("delivery-100", "user-8", "safari").Code)
}

func TestGenerate_VariesBySecret(t *testing.T) {
	a := codes.NewGenerator(secret, 30*time.Minute).Generate("delivery-100", "user-7", "safari")
	b := codes.NewGenerator(secret+"x", 30*time.Minute).Generate("delivery-100", "user-7", "safari")
	assert.NotEqual(t, a.Code, b.Code)
}

func TestGenerate_Shape(t *testing.T) {
	g := codes.NewGenerator(secret, 30*time.Minute)
	code := g.Generate("delivery-100", "user-7", "safari")

	parts := strings.Split(code.Code, "-")
	require.Len(t, parts, 3, "word-word-suffix")
	assert.Len(t, parts[2], 4, "hex suffix")
	assert.Equal(t, "safari", code.Theme)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), code.ExpiresAt, 5*time.Second)
}

func TestGenerate_UnknownThemeFallsBack(t *testing.T) {
	g := codes.NewGenerator(secret, 30*time.Minute)
	code := g.Generate("delivery-100", "user-7", "nope")
	assert.Equal(t, codes.DefaultTheme, code.Theme)
}

func TestGenerate_TTLClamped(t *testing.T) {
	g := codes.NewGenerator(secret, time.Minute)
	code := g.Generate("delivery-100", "user-7", "safari")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), code.ExpiresAt, 5*time.Second)

	g = codes.NewGenerator(secret, 48*time.Hour)
	code = g.Generate("delivery-100", "user-7", "safari")
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), code.ExpiresAt, 5*time.Second)
}

func TestValidate(t *testing.T) {
	g := codes.NewGenerator(secret, 30*time.Minute)
	code := g.Generate("delivery-100", "user-7", "safari").Code

	tests := []struct {
		name      string
		presented string
		want      bool
	}{
		{"exact", code, true},
		{"upper case", strings.ToUpper(code), true},
		{"surrounding space", "  " + code + "  ", true},
		{"wrong code", "simba-chui-0000", false},
		{"empty", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, codes.Validate(tc.presented, code))
		})
	}
}

func TestThemes(t *testing.T) {
	assert.ElementsMatch(t, []string{"safari", "miji", "rangi"}, codes.Themes())
}
