package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

const DefaultLocale = "en"

type Direction string

const (
	LTR Direction = "ltr"
	RTL Direction = "rtl"
)

var rtlScripts = map[string]struct{}{
	"Arab": {}, "Hebr": {}, "Thaa": {}, "Syrc": {}, "Nkoo": {}, "Adlm": {}, "Rohg": {},
}

// Normalize returns the canonical BCP 47 form of locale, or DefaultLocale
// when it cannot be parsed.
func Normalize(locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil || tag == language.Und {
		return DefaultLocale
	}
	return tag.String()
}

// FromAcceptLanguage picks the highest weighted tag of an Accept-Language
// header.
func FromAcceptLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return DefaultLocale
	}
	return Normalize(tags[0].String())
}

// Fallbacks lists the lookup chain for locale, most specific first, ending
// with DefaultLocale.
func Fallbacks(locale string) []string {
	out := make([]string, 0, 3)
	seen := map[string]struct{}{}
	add := func(s string) {
		if _, ok := seen[s]; ok || s == "" {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err == nil && tag != language.Und {
		add(tag.String())
		base, _ := tag.Base()
		add(base.String())
	}
	add(DefaultLocale)
	return out
}

func TextDirection(locale string) Direction {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return LTR
	}
	script, _ := tag.Script()
	if _, ok := rtlScripts[script.String()]; ok {
		return RTL
	}
	return LTR
}

// Region returns the ISO 3166 region implied by locale, e.g. "SA" for
// "ar-SA" and the most likely region for a bare language.
func Region(locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return ""
	}
	region, conf := tag.Region()
	if conf == language.No {
		return ""
	}
	return region.String()
}
