// Package codes generates the themed, human-memorable hand-off codes a
// recipient reads back to the driver at the door.
//
// Codes are deterministic: the same (deliveryId, userId, theme) under the
// same HMAC secret always yields the same code, so a code can be re-issued
// over any channel without storing it.
package codes

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/123ashny/KENYASHIP/internal/crypto"
)

// DefaultTheme is used when an unknown theme is requested.
const DefaultTheme = "safari"

// themes maps a theme name to its word list. Lists are fixed — changing one
// silently changes every code derived from it.
var themes = map[string][]string{
	"safari": {
		"simba", "chui", "twiga", "tembo", "kifaru", "nyati", "duma", "fisi",
		"punda", "swala", "kiboko", "mamba", "ndovu", "kongoni", "korongo", "tai",
	},
	"miji": {
		"nairobi", "mombasa", "kisumu", "nakuru", "eldoret", "thika", "malindi", "kitale",
		"garissa", "nyeri", "machakos", "meru", "lamu", "kericho", "embu", "voi",
	},
	"rangi": {
		"nyekundu", "bluu", "kijani", "njano", "zambarau", "chungwa", "pinki", "kahawia",
		"nyeusi", "nyeupe", "kijivu", "dhahabu", "fedha", "samawati", "urujuani", "waridi",
	},
}

// DeliveryCode is an issued hand-off code with its validity window.
type DeliveryCode struct {
	ID          string    `json:"id"`
	DeliveryID  string    `json:"deliveryId"`
	Code        string    `json:"code"`
	Theme       string    `json:"theme"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UsedAt      time.Time `json:"usedAt,omitempty"`
	GeneratedBy string    `json:"generatedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Generator derives codes from the platform HMAC secret.
type Generator struct {
	hmacSecret []byte
	ttl        time.Duration
}

// NewGenerator builds a Generator. The TTL is clamped to [5m, 24h].
func NewGenerator(hmacSecret string, ttl time.Duration) *Generator {
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	if ttl > 24*time.Hour {
		ttl = 24 * time.Hour
	}
	return &Generator{hmacSecret: []byte(hmacSecret), ttl: ttl}
}

// Generate derives the code for (deliveryID, userID) under the given theme.
func (g *Generator) Generate(deliveryID, userID, theme string) DeliveryCode {
	words, ok := themes[theme]
	if !ok {
		theme = DefaultTheme
		words = themes[theme]
	}

	h := crypto.HMACSum(g.hmacSecret, deliveryID+":"+userID)
	w1 := words[int(binary.BigEndian.Uint16(h[0:2]))%len(words)]
	w2 := words[int(binary.BigEndian.Uint16(h[2:4]))%len(words)]
	suffix := hex.EncodeToString(h[4:6])

	now := time.Now().UTC()
	return DeliveryCode{
		ID:          uuid.NewString(),
		DeliveryID:  deliveryID,
		Code:        w1 + "-" + w2 + "-" + suffix,
		Theme:       theme,
		ExpiresAt:   now.Add(g.ttl),
		GeneratedBy: userID,
		CreatedAt:   now,
	}
}

// Themes lists the available theme names.
func Themes() []string {
	out := make([]string, 0, len(themes))
	for name := range themes {
		out = append(out, name)
	}
	return out
}

// Validate compares a presented code against the expected one: trimmed,
// case-insensitive, constant time. Comparing digests rather than the strings
// keeps the comparison length-independent.
func Validate(presented, expected string) bool {
	a := crypto.SHA256Hex([]byte(normalize(presented)))
	b := crypto.SHA256Hex([]byte(normalize(expected)))
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
