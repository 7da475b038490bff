package utils

import "strings"

// TagSeparator joins tags in sidecar files and manifests.
const TagSeparator = ", "

// NormalizeTag turns underscores into spaces and trims surrounding whitespace.
func NormalizeTag(tag string) string {
	return strings.TrimSpace(strings.ReplaceAll(tag, "_", " "))
}

// NormalizeTags normalizes every tag, dropping empties and repeats while keeping order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = NormalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// SplitTagList parses a comma separated tag list as written by JoinTagList.
func SplitTagList(raw string) []string {
	return NormalizeTags(strings.Split(raw, ","))
}

// JoinTagList renders tags as a single comma separated line without a trailing newline.
func JoinTagList(tags []string) string {
	return strings.Join(tags, TagSeparator)
}
