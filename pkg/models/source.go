package models

// SourceKind selects which catalog view a Source addresses.
type SourceKind int

const (
	SourceLibrary SourceKind = iota
	SourceSearch
	SourcePlaylist
)

func (k SourceKind) String() string {
	switch k {
	case SourceLibrary:
		return "library"
	case SourceSearch:
		return "search"
	case SourcePlaylist:
		return "playlist"
	default:
		return "unknown"
	}
}

// SortContext selects the secondary ordering applied to a Source. SortIndex
// orders by the generated library sort key.
type SortContext int

const (
	SortTitle SortContext = iota
	SortArtist
	SortAlbum
	SortGenre
	SortIndex
)

func (s SortContext) String() string {
	switch s {
	case SortTitle:
		return "title"
	case SortArtist:
		return "artist"
	case SortAlbum:
		return "album"
	case SortGenre:
		return "genre"
	case SortIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Source identifies an orderable view over track records: the library, the
// current search results, or a single playlist. Playlist sources carry the
// playlist id and restrict the view to that playlist's key range.
type Source struct {
	Kind       SourceKind  `json:"kind"`
	PlaylistID string      `json:"playlistId,omitempty"`
	Sort       SortContext `json:"sort"`
}

// LibrarySource returns the whole-library view under the given ordering.
func LibrarySource(sort SortContext) Source {
	return Source{Kind: SourceLibrary, Sort: sort}
}

// SearchSource returns the committed-search-results view.
func SearchSource(sort SortContext) Source {
	return Source{Kind: SourceSearch, Sort: sort}
}

// PlaylistSource returns a single playlist's view in playlist order.
func PlaylistSource(playlistID string) Source {
	return Source{Kind: SourcePlaylist, PlaylistID: playlistID, Sort: SortIndex}
}

// SearchStatus reports the state of the committed search result tables.
type SearchStatus int

const (
	// SearchNoQuery means no query is applied; the search view is empty.
	SearchNoQuery SearchStatus = iota
	// SearchPartial means a rebuild flipped early and readers see a growing
	// but incomplete result set.
	SearchPartial
	// SearchReady means the last committed rebuild ran to completion.
	SearchReady
)

func (s SearchStatus) String() string {
	switch s {
	case SearchNoQuery:
		return "no-query"
	case SearchPartial:
		return "partial"
	case SearchReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SearchState is published to subscribers whenever search status changes.
// Epoch is monotonic and bumps on every change, letting consumers detect
// staleness without comparing result sets. Count is the running number of
// matches streamed so far; Summary holds a bounded sample of matched paths.
type SearchState struct {
	Status  SearchStatus `json:"status"`
	Epoch   uint64       `json:"epoch"`
	Query   []string     `json:"query,omitempty"`
	Count   int          `json:"count"`
	Summary []string     `json:"summary,omitempty"`
}
