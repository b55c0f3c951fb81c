// Package index defines the search engine collaborators the connection core
// dispatches into: the Engine behind every endpoint and the Pool that hands
// out database handles to request handlers. The wire core never touches the
// index directly; handlers pair every Checkout with a Checkin.
package index

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound    = errors.New("index: document not found")
	ErrPoolClosed  = errors.New("index: pool closed")
	ErrBadQuery    = errors.New("index: bad query")
	ErrBadEndpoint = errors.New("index: unknown endpoint")
)

// Document is either map-typed (Fields set) or a stored blob with its
// content type. Map-typed documents are serialized per content negotiation.
type Document struct {
	ID          string                 `json:"_id" msgpack:"_id"`
	Version     int64                  `json:"_version,omitempty" msgpack:"_version,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty" msgpack:"fields,omitempty"`
	Blob        []byte                 `json:"-" msgpack:"-"`
	ContentType string                 `json:"-" msgpack:"-"`
}

// MapTyped reports whether the document carries structured fields rather
// than an opaque blob.
func (d *Document) MapTyped() bool { return d.Fields != nil }

type FuzzyOpts struct {
	Enabled bool
	NRSet   int
	NESet   int
	NTerm   int
	Field   []string
	Type    []string
}

// QuerySpec carries everything the router parsed out of a request.
type QuerySpec struct {
	Query        []string
	Partial      []string
	Terms        []string
	Offset       int
	Limit        int
	CheckAtLeast int
	Sort         []string
	Facets       []string
	Language     string
	Collapse     string
	CollapseMax  int
	Spelling     bool
	Synonyms     bool
	Fuzzy        FuzzyOpts
	Nearest      FuzzyOpts
	Commit       bool
	Pretty       bool

	// range lookups over _id sort by id; unique lookups force limit 1
	IDRange  *IDRange
	UniqueID string
}

type IDRange struct {
	From, To string
}

// Result is a search response page.
type Result struct {
	Docs    []Document
	Matched int
}

type Facet struct {
	Value string `json:"value" msgpack:"value"`
	Count int    `json:"count" msgpack:"count"`
}

// Changeset is one replication unit; Seq is the engine's revision counter.
type Changeset struct {
	Seq int64    `json:"seq" msgpack:"seq"`
	Op  string   `json:"op" msgpack:"op"`
	Doc Document `json:"doc" msgpack:"doc"`
}

// Engine is the per-database search surface.
type Engine interface {
	Search(ctx context.Context, spec *QuerySpec) (*Result, error)
	Facets(ctx context.Context, spec *QuerySpec) (map[string][]Facet, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	Schema(ctx context.Context) (map[string]interface{}, error)

	Get(ctx context.Context, id string) (*Document, error)
	Exists(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, doc *Document, commit bool) (*Document, error)
	Patch(ctx context.Context, id string, partial map[string]interface{}, commit bool) (*Document, error)
	Delete(ctx context.Context, id string, commit bool) error

	// replication surface
	Revision(ctx context.Context) (int64, error)
	ChangesetsSince(ctx context.Context, seq int64) ([]Changeset, error)
	ApplyChangeset(ctx context.Context, cs *Changeset) error
}
