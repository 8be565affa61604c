package speech

import "strings"

// 角色的 voiceIdentity 是别名，合成前统一映射到引擎 speaker id。
var voiceAliases = map[string]string{
	"warm-storyteller":  "en_female_amy_jupiter_bigtts",
	"bright-robot":      "en_male_corey_emo_v2_mars_bigtts",
	"gentle-naturalist": "en_female_skye_emo_v2_mars_bigtts",
	"bold-explorer":     "en_male_glen_emo_v2_mars_bigtts",
	"en_default":        "en_female_amy_jupiter_bigtts",
}

// NormalizeVoiceAlias 将别名映射为 speaker id；未知的值原样返回（已是 speaker id）。
func NormalizeVoiceAlias(voice string) string {
	voice = strings.TrimSpace(voice)
	if mapped, ok := voiceAliases[strings.ToLower(voice)]; ok {
		return mapped
	}
	return voice
}

func resolveSpeakerCandidates(requested, fallback string) []string {
	var candidates []string
	add := func(s string) {
		s = NormalizeVoiceAlias(s)
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	return candidates
}

func resolveResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}
