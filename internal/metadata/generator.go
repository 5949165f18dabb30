package metadata

import (
	"fmt"
	"strings"

	"melodeon/pkg/models"

	"github.com/sirupsen/logrus"
)

// DefaultGenerator derives the stored sort and grouping keys from a track's
// metadata. The derivation is deterministic: identical input always yields
// identical keys, so re-running it over unchanged records is a no-op.
type DefaultGenerator struct{}

// Generate builds the generated block for t.
func (DefaultGenerator) Generate(t *models.Track) models.Generated {
	return models.Generated{
		LibrarySortKey: librarySortKey(&t.Meta),
		GroupingKey:    groupingKey(&t.Meta),
	}
}

// librarySortKey produces a single lexicographically ordered key matching
// the artist/album/disc/track/title browse order. Numeric fields are
// zero-padded so string comparison matches numeric comparison.
func librarySortKey(m *models.TrackMeta) string {
	return strings.Join([]string{
		sortText(m.Artist),
		sortText(m.Album),
		fmt.Sprintf("%03d", clampSeq(m.DiscNumber)),
		fmt.Sprintf("%04d", clampSeq(m.TrackNumber)),
		sortText(m.Title),
	}, "\x00")
}

// groupingKey identifies the album a track belongs to for grouped views.
func groupingKey(m *models.TrackMeta) string {
	return sortText(m.Artist) + "\x00" + sortText(m.Album)
}

// sortText normalizes a metadata string for ordering. Untagged fields sort
// after tagged ones.
func sortText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "\x7f"
	}
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(s, article) && len(s) > len(article) {
			return s[len(article):]
		}
	}
	return s
}

func clampSeq(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// SafeGenerator wraps another generator and fails closed: if the inner
// generator panics, the track's existing generated values are kept and the
// failure is logged. A catalog update never aborts because key derivation
// misbehaved on one record.
type SafeGenerator struct {
	Inner interface {
		Generate(t *models.Track) models.Generated
	}
	Logger *logrus.Logger
}

// Generate delegates to the inner generator, recovering panics.
func (g SafeGenerator) Generate(t *models.Track) (out models.Generated) {
	defer func() {
		if r := recover(); r != nil {
			if g.Logger != nil {
				g.Logger.WithFields(logrus.Fields{
					"path":  t.Path(),
					"panic": fmt.Sprint(r),
				}).Error("Metadata generator panicked, keeping previous keys")
			}
			out = t.Generated
		}
	}()
	return g.Inner.Generate(t)
}
