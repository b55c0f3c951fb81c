package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MemoryEngine is the in-process stand-in behind the Engine interface. It
// keeps documents, a revision counter and a changelog for replication.
type MemoryEngine struct {
	mtx      sync.RWMutex
	name     string
	docs     map[string]*Document
	revision int64
	log      []Changeset
}

var _ Engine = (*MemoryEngine)(nil)

func NewMemoryEngine(name string) *MemoryEngine {
	return &MemoryEngine{
		name: name,
		docs: make(map[string]*Document),
	}
}

// OpenMemory is a Pool open function over a shared namespace of engines.
func OpenMemory() func(endpoint string) (Engine, error) {
	return func(endpoint string) (Engine, error) {
		return NewMemoryEngine(endpoint), nil
	}
}

func (e *MemoryEngine) sortedIDs() []string {
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// matches applies the naive term semantics: every query string must appear
// in the id or in some field value.
func (e *MemoryEngine) matches(doc *Document, spec *QuerySpec) bool {
	terms := make([]string, 0, len(spec.Query)+len(spec.Terms)+len(spec.Partial))
	terms = append(terms, spec.Query...)
	terms = append(terms, spec.Terms...)
	terms = append(terms, spec.Partial...)
	for _, q := range terms {
		if q == "" || q == "*" {
			continue
		}
		if !docContains(doc, strings.ToLower(q)) {
			return false
		}
	}
	return true
}

func docContains(doc *Document, term string) bool {
	if strings.Contains(strings.ToLower(doc.ID), term) {
		return true
	}
	for k, v := range doc.Fields {
		if strings.Contains(strings.ToLower(k), term) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), term) {
			return true
		}
	}
	return false
}

func (e *MemoryEngine) Search(ctx context.Context, spec *QuerySpec) (*Result, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	if spec.UniqueID != "" {
		doc, ok := e.docs[spec.UniqueID]
		if !ok {
			return &Result{}, nil
		}
		return &Result{Docs: []Document{*doc}, Matched: 1}, nil
	}

	var matched []Document
	for _, id := range e.sortedIDs() {
		doc := e.docs[id]
		if spec.IDRange != nil {
			if (spec.IDRange.From != "" && id < spec.IDRange.From) ||
				(spec.IDRange.To != "" && id > spec.IDRange.To) {
				continue
			}
		}
		if e.matches(doc, spec) {
			matched = append(matched, *doc)
		}
	}

	res := &Result{Matched: len(matched)}
	offset, limit := spec.Offset, spec.Limit
	if limit <= 0 {
		limit = 10
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	res.Docs = matched[offset:end]
	return res, nil
}

func (e *MemoryEngine) Facets(ctx context.Context, spec *QuerySpec) (map[string][]Facet, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	out := make(map[string][]Facet, len(spec.Facets))
	for _, field := range spec.Facets {
		counts := make(map[string]int)
		for _, doc := range e.docs {
			if !e.matches(doc, spec) {
				continue
			}
			if v, ok := doc.Fields[field]; ok {
				counts[fmt.Sprintf("%v", v)]++
			}
		}
		facets := make([]Facet, 0, len(counts))
		for v, c := range counts {
			facets = append(facets, Facet{Value: v, Count: c})
		}
		sort.Slice(facets, func(i, j int) bool {
			if facets[i].Count != facets[j].Count {
				return facets[i].Count > facets[j].Count
			}
			return facets[i].Value < facets[j].Value
		})
		out[field] = facets
	}
	return out, nil
}

func (e *MemoryEngine) Stats(ctx context.Context) (map[string]interface{}, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return map[string]interface{}{
		"endpoint":  e.name,
		"doc_count": len(e.docs),
		"revision":  e.revision,
	}, nil
}

func (e *MemoryEngine) Schema(ctx context.Context) (map[string]interface{}, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()

	fields := make(map[string]interface{})
	for _, doc := range e.docs {
		for k, v := range doc.Fields {
			if _, seen := fields[k]; !seen {
				fields[k] = fmt.Sprintf("%T", v)
			}
		}
	}
	return map[string]interface{}{
		"endpoint": e.name,
		"fields":   fields,
	}, nil
}

func (e *MemoryEngine) Get(ctx context.Context, id string) (*Document, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	doc, ok := e.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (e *MemoryEngine) Exists(ctx context.Context, id string) (bool, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	_, ok := e.docs[id]
	return ok, nil
}

func (e *MemoryEngine) Put(ctx context.Context, doc *Document, commit bool) (*Document, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.revision++
	cp := *doc
	cp.Version = e.revision
	e.docs[cp.ID] = &cp
	e.log = append(e.log, Changeset{Seq: e.revision, Op: "put", Doc: cp})
	out := cp
	return &out, nil
}

func (e *MemoryEngine) Patch(ctx context.Context, id string, partial map[string]interface{}, commit bool) (*Document, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	doc, ok := e.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	fields := make(map[string]interface{}, len(doc.Fields)+len(partial))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	for k, v := range partial {
		fields[k] = v
	}
	cp.Fields = fields
	e.revision++
	cp.Version = e.revision
	e.docs[id] = &cp
	e.log = append(e.log, Changeset{Seq: e.revision, Op: "put", Doc: cp})
	out := cp
	return &out, nil
}

func (e *MemoryEngine) Delete(ctx context.Context, id string, commit bool) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	doc, ok := e.docs[id]
	if !ok {
		return ErrNotFound
	}
	delete(e.docs, id)
	e.revision++
	e.log = append(e.log, Changeset{Seq: e.revision, Op: "delete", Doc: Document{ID: doc.ID}})
	return nil
}

func (e *MemoryEngine) Revision(ctx context.Context) (int64, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.revision, nil
}

func (e *MemoryEngine) ChangesetsSince(ctx context.Context, seq int64) ([]Changeset, error) {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	var out []Changeset
	for _, cs := range e.log {
		if cs.Seq > seq {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (e *MemoryEngine) ApplyChangeset(ctx context.Context, cs *Changeset) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	switch cs.Op {
	case "put":
		cp := cs.Doc
		e.docs[cp.ID] = &cp
	case "delete":
		delete(e.docs, cs.Doc.ID)
	default:
		return errors.Errorf("unknown changeset op %q", cs.Op)
	}
	if cs.Seq > e.revision {
		e.revision = cs.Seq
	}
	e.log = append(e.log, *cs)
	return nil
}
