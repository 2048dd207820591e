// Package query implements the search decision table: given a set of
// path-prefix filters, a free-text query, and the usual HNSW knobs, it
// embeds the query text, searches the graph, and resolves results back
// to catalog files — filtering out anything the catalog no longer
// knows about (the logical-deletion path the graph's append-only
// design relies on) and anything outside the requested prefixes.
package query

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/screenager/visage/internal/catalog"
	"github.com/screenager/visage/internal/hnsw"
)

// TextEncoder is the subset of clip.Encoder the query service needs.
type TextEncoder interface {
	EncodeText(texts []string) ([][]float32, error)
}

// Service answers search_images requests.
type Service struct {
	cat *catalog.Catalog
	idx *hnsw.Graph
	enc TextEncoder
}

// New creates a Service.
func New(cat *catalog.Catalog, idx *hnsw.Graph, enc TextEncoder) *Service {
	return &Service{cat: cat, idx: idx, enc: enc}
}

// Request is the full parameter set for a search, matching spec.md
// §4.7's decision table: path_prefixes narrows results to files whose
// path starts with one of the given prefixes (no prefixes means no
// filtering), K bounds the result count of a text query (a prefix-only
// request returns every matching file), Ef overrides the graph's beam
// width for this query (0 uses the graph's default), and MaxDistance
// drops any result whose cosine distance exceeds it (0 means
// unbounded).
type Request struct {
	PathPrefixes []string
	QueryText    string
	K            int
	Ef           int
	MaxDistance  float32
}

// Match is one ranked search result.
type Match struct {
	File     catalog.File
	Distance float32
}

// Search implements spec.md §4.7's full decision table over
// (path_prefixes, query):
//
//	prefixes empty, query empty  -> empty result, no Encoder call
//	prefixes set,   query empty  -> every catalogued file under a prefix, catalog order
//	prefixes empty, query set    -> HNSW search over the whole index
//	prefixes set,   query set    -> HNSW search, intersected with the prefix-matched set
//
// For non-empty query, results are ordered by ascending cosine
// distance. For a prefix-only search, order is unspecified (catalog
// order). The graph is asked for 5×K candidates, and prefix,
// max-distance and catalog filtering happen after that search, so a
// narrow prefix over a large collection may return fewer than K
// matches; raising Ef does not raise the 5×K candidate cap.
func (s *Service) Search(ctx context.Context, req Request) ([]Match, error) {
	prefixes := normalizePrefixes(req.PathPrefixes)
	queryEmpty := strings.TrimSpace(req.QueryText) == ""

	if queryEmpty {
		if len(prefixes) == 0 {
			return []Match{}, nil
		}
		return s.searchByPrefixOnly(ctx, prefixes)
	}

	k := req.K
	if k <= 0 {
		k = 10
	}

	vecs, err := s.enc.EncodeText([]string{req.QueryText})
	if err != nil {
		return nil, fmt.Errorf("query: encode text: %w", err)
	}

	// Over-fetch candidates generously: prefix/max-distance filtering
	// and catalog misses (deleted files not yet reconciled out of the
	// graph) both shrink the candidate pool before it reaches k.
	fetch := k * 5
	results := s.idx.Search(vecs[0], fetch, req.Ef)

	matches := make([]Match, 0, k)
	for _, r := range results {
		if len(matches) >= k {
			break
		}
		if req.MaxDistance > 0 && r.Distance > req.MaxDistance {
			continue
		}
		f, err := s.cat.FileByID(ctx, r.ID)
		if err != nil {
			// The file was deleted from the catalog after being
			// inserted into the graph; the graph itself won't be
			// corrected until the next reconcile, so we just skip it.
			continue
		}
		if !matchesPrefixes(f.Path, prefixes) {
			continue
		}
		matches = append(matches, Match{File: f, Distance: r.Distance})
	}
	return matches, nil
}

// searchByPrefixOnly returns every catalogued file under any of
// prefixes, with no Encoder call and no HNSW search — spec.md §4.7's
// "no/yes" row.
func (s *Service) searchByPrefixOnly(ctx context.Context, prefixes []string) ([]Match, error) {
	files, err := s.cat.AllFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: list files: %w", err)
	}

	matches := make([]Match, 0, len(files))
	for _, f := range files {
		if !matchesPrefixes(f.Path, prefixes) {
			continue
		}
		matches = append(matches, Match{File: f})
	}
	return matches, nil
}

// normalizePrefixes suffixes each prefix with the platform path
// separator if missing, so "/foo" doesn't match "/foobar/...".
func normalizePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		if p != "" && !strings.HasSuffix(p, string(os.PathSeparator)) {
			p += string(os.PathSeparator)
		}
		out[i] = p
	}
	return out
}

func matchesPrefixes(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
