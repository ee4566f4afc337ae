// Package naming builds the stable, filesystem-safe names used for clip
// groups and clip files. Names only ever contain ASCII so cached clips stay
// portable across filesystems.
package naming

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	slugFold   = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	nonAlnumRE = regexp.MustCompile(`[^a-z0-9]+`)
)

// Slug folds text to lowercase ASCII with dashes for separators. Accents
// decompose and drop; anything left that is not a-z0-9 becomes a dash.
// Empty results come back as "entry".
func Slug(text string, maxLength int) string {
	folded, _, err := transform.String(slugFold, text)
	if err != nil {
		folded = text
	}
	ascii := make([]byte, 0, len(folded))
	for i := 0; i < len(folded); i++ {
		if folded[i] < utf8.RuneSelf {
			ascii = append(ascii, folded[i])
		}
	}

	s := nonAlnumRE.ReplaceAllString(strings.ToLower(string(ascii)), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "entry"
	}
	if maxLength > 0 && len(s) > maxLength {
		s = strings.TrimRight(s[:maxLength], "-")
		if s == "" {
			return "entry"
		}
	}
	return s
}

// GroupName identifies one search: a readable slug plus short hashes of the
// phrase and the sorted source file set. The same phrase over the same
// files always lands in the same group, which is what makes clip caching
// work.
func GroupName(prefix, phrase string, files []string) string {
	slug := Slug(prefix+"-"+phrase, 40)

	phraseHash := "nophrase"
	if p := strings.ToLower(phrase); p != "" {
		phraseHash = md5Hex(p)[:8]
	}

	fileHash := "nofiles"
	if len(files) > 0 {
		sorted := append([]string(nil), files...)
		sort.Strings(sorted)
		fileHash = md5Hex(strings.Join(sorted, "\n"))[:8]
	}

	return slug + "-" + phraseHash + "-" + fileHash
}

// GroupDir is the directory name holding a group's clips.
func GroupDir(group string) string {
	return group + "_clips"
}

// ClipFileName numbers clips within a group with fixed width so
// lexicographic listing matches render order.
func ClipFileName(group string, counter int) string {
	return fmt.Sprintf("%s_%05d.mp4", group, counter)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
