package httpd

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/quernd/quernd/index"
)

type Command int

const (
	CmdID Command = iota
	CmdSearch
	CmdFacets
	CmdStats
	CmdSchema
	CmdUpload
	CmdBadQuery
)

func (c Command) String() string {
	switch c {
	case CmdID:
		return "id"
	case CmdSearch:
		return "_search"
	case CmdFacets:
		return "_facets"
	case CmdStats:
		return "_stats"
	case CmdSchema:
		return "_schema"
	case CmdUpload:
		return "_upload"
	default:
		return "bad_query"
	}
}

// PathSpec is the parsed request path `[@node/][namespace/]path/command`.
type PathSpec struct {
	Node      string
	Namespace string
	Path      string
	ID        string
	Cmd       Command
}

// Endpoint names the database the request addresses.
func (p *PathSpec) Endpoint() string {
	if p.Namespace != "" {
		return p.Namespace + "/" + p.Path
	}
	return p.Path
}

var ErrEmptyPath = errors.New("httpd: empty request path")

func ParsePath(rawPath string) (*PathSpec, error) {
	segments := strings.Split(strings.Trim(rawPath, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return nil, ErrEmptyPath
	}

	spec := &PathSpec{}
	if strings.HasPrefix(segments[0], "@") {
		spec.Node = strings.TrimPrefix(segments[0], "@")
		segments = segments[1:]
		if len(segments) == 0 {
			return nil, ErrEmptyPath
		}
	}

	last := segments[len(segments)-1]
	rest := segments[:len(segments)-1]
	if strings.HasPrefix(last, "_") {
		switch last {
		case "_search":
			spec.Cmd = CmdSearch
		case "_facets":
			spec.Cmd = CmdFacets
		case "_stats":
			spec.Cmd = CmdStats
		case "_schema":
			spec.Cmd = CmdSchema
		case "_upload":
			spec.Cmd = CmdUpload
		default:
			spec.Cmd = CmdBadQuery
		}
	} else {
		spec.Cmd = CmdID
		spec.ID = last
	}

	switch len(rest) {
	case 0:
		// a bare `/_stats`-style path addresses the default database
		spec.Path = ""
	case 1:
		spec.Path = rest[0]
	default:
		spec.Namespace = strings.Join(rest[:len(rest)-1], "/")
		spec.Path = rest[len(rest)-1]
	}
	return spec, nil
}

// ParseQuery maps the supported query parameters into an index.QuerySpec.
func ParseQuery(values url.Values, path *PathSpec) *index.QuerySpec {
	spec := &index.QuerySpec{
		Limit: 10,
	}

	spec.Query = append(spec.Query, values["query"]...)
	spec.Query = append(spec.Query, values["q"]...)
	spec.Partial = values["partial"]
	spec.Terms = values["terms"]
	spec.Sort = values["sort"]
	spec.Facets = values["facets"]
	spec.Language = values.Get("language")
	spec.Collapse = values.Get("collapse")

	spec.Pretty = boolParam(values, "pretty")
	spec.Spelling = boolParam(values, "spelling")
	spec.Synonyms = boolParam(values, "synonyms")
	spec.Commit = boolParam(values, "commit")

	spec.Offset = intParam(values, "offset", 0)
	spec.Limit = intParam(values, "limit", 10)
	spec.CheckAtLeast = intParam(values, "check_at_least", 0)
	spec.CollapseMax = intParam(values, "collapse_max", 1)

	spec.Fuzzy = fuzzyParams(values, "fuzzy")
	spec.Nearest = fuzzyParams(values, "nearest")

	if path != nil && path.Cmd == CmdID {
		if from, to, ok := splitIDRange(path.ID); ok {
			spec.IDRange = &index.IDRange{From: from, To: to}
			spec.Sort = append([]string{"_id"}, spec.Sort...)
		} else {
			spec.UniqueID = path.ID
			spec.Limit = 1
		}
	}
	return spec
}

// splitIDRange recognizes `from..to` id paths, either bound optional.
func splitIDRange(id string) (from, to string, ok bool) {
	i := strings.Index(id, "..")
	if i == -1 {
		return "", "", false
	}
	return id[:i], id[i+2:], true
}

func boolParam(values url.Values, name string) bool {
	if _, present := values[name]; !present {
		return false
	}
	v := values.Get(name)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func intParam(values url.Values, name string, def int) int {
	v := values.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func fuzzyParams(values url.Values, prefix string) index.FuzzyOpts {
	opts := index.FuzzyOpts{
		Enabled: boolParam(values, prefix),
		NRSet:   intParam(values, prefix+".n_rset", 5),
		NESet:   intParam(values, prefix+".n_eset", 32),
		NTerm:   intParam(values, prefix+".n_term", 10),
		Field:   values[prefix+".field"],
		Type:    values[prefix+".type"],
	}
	return opts
}

// acceptEntry is one media type of the Accept header with its q-value.
type acceptEntry struct {
	Type string
	Q    float64
}

// parseAccept orders the header's media types by descending q, ties broken
// by position.
func parseAccept(value string) []acceptEntry {
	var entries []acceptEntry
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry := acceptEntry{Q: 1.0}
		fields := strings.Split(part, ";")
		entry.Type = strings.TrimSpace(fields[0])
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if qs, ok := strings.CutPrefix(f, "q="); ok {
				if q, err := strconv.ParseFloat(qs, 64); err == nil {
					entry.Q = q
				}
			}
		}
		if entry.Type != "" {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Q > entries[j].Q
	})
	return entries
}
