// Package tiers maps donation amounts onto the streamer's configured alert
// presentation buckets. Tier configuration arrives as loosely-typed JSON from
// the settings UI; everything is validated and defaulted at this boundary so
// the dispatcher never sees a half-formed tier.
package tiers

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"
)

// AlertTier is one amount-ranged presentation bucket. MaxAmount nil means the
// range is unbounded above. Order within the streamer's list is significant:
// selection returns the first match.
type AlertTier struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	MinAmount        decimal.Decimal  `json:"min_amount"`
	MaxAmount        *decimal.Decimal `json:"max_amount"`
	SoundEnabled     bool             `json:"sound_enabled"`
	SoundVolume      float64          `json:"sound_volume"`
	SoundFileURL     string           `json:"sound_file_url,omitempty"`
	VisualEnabled    bool             `json:"visual_enabled"`
	AlertDuration    int              `json:"alert_duration"`
	TextColor        string           `json:"text_color"`
	BackgroundColor  string           `json:"background_color"`
	FontSize         int              `json:"font_size"`
	AnimationEnabled bool             `json:"animation_enabled"`
	AnimationType    string           `json:"animation_type,omitempty"`
	TextTemplate     string           `json:"text_template"`
	GifURLs          []string         `json:"gif_urls,omitempty"`
	Icon             string           `json:"icon,omitempty"`
	Color            string           `json:"color,omitempty"`
}

const (
	defaultTemplate  = "🎉 {donor_name} донатит {amount}₽! {message}"
	anonymousName    = "Аноним"
	defaultDuration  = 5
	defaultTextColor = "#FFFFFF"
	defaultBackColor = "#7C3AED"
	defaultFontSize  = 24
)

// DefaultTier is the built-in catch-all used when a streamer has no tiers
// configured. An alert must never go out without rendering parameters.
func DefaultTier() AlertTier {
	return AlertTier{
		ID:               "default",
		Name:             "Базовый алерт",
		MinAmount:        decimal.New(1, 0),
		SoundEnabled:     true,
		SoundVolume:      0.5,
		VisualEnabled:    true,
		AlertDuration:    defaultDuration,
		TextColor:        defaultTextColor,
		BackgroundColor:  defaultBackColor,
		FontSize:         defaultFontSize,
		AnimationEnabled: true,
		AnimationType:    "sparkles",
		TextTemplate:     defaultTemplate,
		Icon:             "Star",
		Color:            "purple",
	}
}

// Parse decodes a stored tier list, coercing missing fields to defaults and
// rejecting shapes that cannot render. A nil or empty document yields an
// empty list, not an error.
func Parse(raw []byte) ([]AlertTier, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var tiers []AlertTier
	if err := json.Unmarshal(raw, &tiers); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}

	out := make([]AlertTier, 0, len(tiers))
	for i, t := range tiers {
		if t.MinAmount.IsNegative() {
			return nil, fmt.Errorf("tier %d: negative min_amount", i)
		}
		if t.MaxAmount != nil && t.MaxAmount.LessThan(t.MinAmount) {
			return nil, fmt.Errorf("tier %d: max_amount below min_amount", i)
		}

		if t.ID == "" {
			t.ID = fmt.Sprintf("tier-%d", i)
		}
		if t.AlertDuration <= 0 {
			t.AlertDuration = defaultDuration
		}
		if t.TextColor == "" {
			t.TextColor = defaultTextColor
		}
		if t.BackgroundColor == "" {
			t.BackgroundColor = defaultBackColor
		}
		if t.FontSize <= 0 {
			t.FontSize = defaultFontSize
		}
		if t.TextTemplate == "" {
			t.TextTemplate = defaultTemplate
		}

		out = append(out, t)
	}

	return out, nil
}

// Select returns the first tier (in list order) whose inclusive range covers
// amount. When nothing matches, the last tier acts as the catch-all; when the
// list is empty, the built-in default is returned.
func Select(list []AlertTier, amount decimal.Decimal) AlertTier {
	if len(list) == 0 {
		return DefaultTier()
	}

	for _, t := range list {
		if amount.LessThan(t.MinAmount) {
			continue
		}
		if t.MaxAmount == nil || amount.LessThanOrEqual(*t.MaxAmount) {
			return t
		}
	}

	return list[len(list)-1]
}

// PickAsset chooses one of the tier's image assets uniformly at random. The
// choice happens at dispatch time, so repeated donations in the same tier can
// show different art.
func PickAsset(t AlertTier, rng *rand.Rand) string {
	switch len(t.GifURLs) {
	case 0:
		return ""
	case 1:
		return t.GifURLs[0]
	default:
		return t.GifURLs[rng.Intn(len(t.GifURLs))]
	}
}

// Render interpolates the tier's text template with the donation facts.
// Anonymous donations get the placeholder name regardless of what donor name
// was submitted.
func Render(t AlertTier, donorName *string, isAnonymous bool, amount decimal.Decimal, message string) string {
	name := anonymousName
	if !isAnonymous && donorName != nil && *donorName != "" {
		name = *donorName
	}

	r := strings.NewReplacer(
		"{donor_name}", name,
		"{amount}", amount.String(),
		"{message}", message,
	)
	return r.Replace(t.TextTemplate)
}
