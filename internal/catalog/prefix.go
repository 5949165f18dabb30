package catalog

import (
	"strings"

	"melodeon/pkg/models"
)

// searchContext names the field set a prefix-index entry or query token is
// scoped to. ctxAll spans every searchable field including the relative
// path.
type searchContext int

const (
	ctxAll searchContext = iota
	ctxTitle
	ctxArtist
	ctxAlbum
	ctxGenre
	ctxPath
)

// prefixLengths are the fixed substring lengths maintained in the prefix
// index. A query token of length L is looked up at min(L, 3).
var prefixLengths = []int{1, 2, 3}

// prefixes returns the distinct lowercase substrings of length k in s, in
// first-occurrence order. A string of rune length L yields max(0, L-k+1)
// substrings before deduplication.
func prefixes(s string, k int) []string {
	if k <= 0 {
		return nil
	}
	runes := []rune(strings.ToLower(s))
	if len(runes) < k {
		return nil
	}
	seen := make(map[string]struct{}, len(runes)-k+1)
	out := make([]string, 0, len(runes)-k+1)
	for i := 0; i+k <= len(runes); i++ {
		sub := string(runes[i : i+k])
		if _, dup := seen[sub]; dup {
			continue
		}
		seen[sub] = struct{}{}
		out = append(out, sub)
	}
	return out
}

// contextFields returns the field values indexed under each search context
// for a track.
func contextFields(t *models.Track) map[searchContext][]string {
	return map[searchContext][]string{
		ctxAll:    {t.Meta.Title, t.Meta.Artist, t.Meta.Album, t.Meta.Genre, t.RelPath},
		ctxTitle:  {t.Meta.Title},
		ctxArtist: {t.Meta.Artist},
		ctxAlbum:  {t.Meta.Album},
		ctxGenre:  {t.Meta.Genre},
		ctxPath:   {t.RelPath},
	}
}

// searchToken is one canonicalized query token: free text (ctxAll) or an
// attribute-scoped term.
type searchToken struct {
	ctx  searchContext
	text string
}

var tokenScopes = map[string]searchContext{
	"title":  ctxTitle,
	"artist": ctxArtist,
	"album":  ctxAlbum,
	"genre":  ctxGenre,
	"path":   ctxPath,
}

// parseQuery canonicalizes raw query tokens: trims, lowercases, resolves
// attribute scopes and drops empty tokens.
func parseQuery(tokens []string) []searchToken {
	var out []searchToken
	for _, raw := range tokens {
		tok := strings.ToLower(strings.TrimSpace(raw))
		if tok == "" {
			continue
		}
		ctx := ctxAll
		if scope, rest, found := strings.Cut(tok, ":"); found {
			if c, ok := tokenScopes[scope]; ok {
				ctx = c
				tok = strings.TrimSpace(rest)
			}
		}
		if tok == "" {
			continue
		}
		out = append(out, searchToken{ctx: ctx, text: tok})
	}
	return out
}

// canonicalQuery renders a parsed query in a form comparable across calls.
func canonicalQuery(q []searchToken) string {
	if len(q) == 0 {
		return ""
	}
	var b strings.Builder
	for i, tok := range q {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(scopeName(tok.ctx))
		b.WriteByte(':')
		b.WriteString(tok.text)
	}
	return b.String()
}

func scopeName(ctx searchContext) string {
	switch ctx {
	case ctxTitle:
		return "title"
	case ctxArtist:
		return "artist"
	case ctxAlbum:
		return "album"
	case ctxGenre:
		return "genre"
	case ctxPath:
		return "path"
	default:
		return "all"
	}
}

// lookupLength returns the prefix-index length to query for a token.
func lookupLength(text string) int {
	n := len([]rune(text))
	max := prefixLengths[len(prefixLengths)-1]
	if n < max {
		return n
	}
	return max
}

// lookupPrefix returns the index key queried for a token: its leading
// substring at the lookup length.
func lookupPrefix(text string) string {
	k := lookupLength(text)
	runes := []rune(text)
	return string(runes[:k])
}

// matchesToken reports whether a track satisfies one query token by
// substring match on the token's scoped field, or on any field for free
// text.
func matchesToken(t *models.Track, tok searchToken) bool {
	fields := contextFields(t)[tok.ctx]
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), tok.text) {
			return true
		}
	}
	return false
}

// matchesQuery reports whether a track satisfies every token of a query.
func matchesQuery(t *models.Track, q []searchToken) bool {
	for _, tok := range q {
		if !matchesToken(t, tok) {
			return false
		}
	}
	return true
}
