package fetch

import (
	"strings"

	"github.com/nfgrab/nfgrab/internal/browser"
)

// Strategy is one pure attempt at resolving a download link from a row's
// action-menu anchors. Strategies never mutate DOM state.
type Strategy struct {
	Name    string
	Resolve func(anchors []browser.Anchor, cat Category) (string, bool)
}

// Resolver tries an ordered list of strategies, most specific first, and
// returns the first href that matches. The cascade tolerates markup drift:
// if the portal renames its links the href match fails but the label or
// positional strategy still lands.
type Resolver struct {
	strategies []Strategy
}

// NewResolver builds a resolver with the default strategy order:
// href fragment, then visible label, then menu position.
func NewResolver() *Resolver {
	return &Resolver{strategies: []Strategy{
		{Name: "href_fragment", Resolve: byHrefFragment},
		{Name: "label_text", Resolve: byLabelText},
		{Name: "menu_position", Resolve: byMenuPosition},
	}}
}

// Resolve returns the href for the requested category, or a
// LinkNotFoundError naming every strategy that was attempted.
func (r *Resolver) Resolve(anchors []browser.Anchor, cat Category) (string, error) {
	attempted := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		attempted = append(attempted, s.Name)
		if href, ok := s.Resolve(anchors, cat); ok {
			return href, nil
		}
	}
	return "", &LinkNotFoundError{Category: cat, Attempted: attempted}
}

// hrefFragments are the portal's download route fragments per category.
var hrefFragments = map[Category]string{
	CategoryPrimary:   "/Notas/Download/NFSe/",
	CategoryCompanion: "/Notas/Download/DANFSe/",
}

func byHrefFragment(anchors []browser.Anchor, cat Category) (string, bool) {
	frag := hrefFragments[cat]
	for _, a := range anchors {
		if a.Href != "" && strings.Contains(a.Href, frag) {
			return a.Href, true
		}
	}
	return "", false
}

// labels are the visible link texts per category. DANFE is the older label
// some municipalities still render.
var labels = map[Category][]string{
	CategoryPrimary:   {"XML"},
	CategoryCompanion: {"DANFS-e", "DANFE"},
}

func byLabelText(anchors []browser.Anchor, cat Category) (string, bool) {
	for _, label := range labels[cat] {
		for _, a := range anchors {
			if a.Href != "" && strings.Contains(a.Text, label) {
				return a.Href, true
			}
		}
	}
	return "", false
}

// menuOffsets are fixed anchor positions inside the action menu, the last
// resort when both href and label matching fail. Primary always precedes
// companion in the menu, which is why primary downloads run first.
var menuOffsets = map[Category]int{
	CategoryPrimary:   0,
	CategoryCompanion: 1,
}

func byMenuPosition(anchors []browser.Anchor, cat Category) (string, bool) {
	n := menuOffsets[cat]
	if n >= len(anchors) || anchors[n].Href == "" {
		return "", false
	}
	return anchors[n].Href, true
}
