package jasterix

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Session owns one memory-mapped input file together with the Definitions
// used to decode it. Definitions are loaded once by [LoadDefinitions] and
// may back any number of Sessions; each Session is the per-file bounded
// context, opened and closed around one decode (spec §4.6, §5) — the same
// split the teacher draws between its compiled Engine and the short-lived
// instance each call creates.
type Session struct {
	path   string
	mm     mmap.MMap
	defs   *Definitions
	logger *zap.Logger
	debug  bool

	document *Node
}

// Open memory-maps path read-only and binds it to defs for decoding. logger
// may be nil, in which case logging is discarded.
func Open(path string, defs *Definitions, logger *zap.Logger, debug bool) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IoError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &IoError{Path: path, Err: err}
	}
	if info.Size() == 0 {
		return nil, &IoError{Path: path, Err: fmt.Errorf("empty input file")}
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, &IoError{Path: path, Err: err}
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{path: path, mm: m, defs: defs, logger: logger, debug: debug}, nil
}

// ScopeFrames counts frames — or, with no framing configured, back-to-back
// records — and returns the count. spec's scope_frames. Every record is
// parsed in full, exactly as DecodeRecords parses it, so an item-level
// decode error fails this pass too; only the document is not built.
func (s *Session) ScopeFrames() (uint64, error) {
	ctx := &parseCtx{buf: s.mm, logger: s.logger, debug: s.debug}
	res, err := scan(s.defs, ctx, false, false)
	return res.FrameCount, err
}

// DecodeOptions configures DecodeRecords.
type DecodeOptions struct {
	// Resilient enables the §7 local-recovery path: OutOfBounds and
	// LengthMismatch skip the offending record and continue instead of
	// failing the whole session.
	Resilient bool
}

// Result is the outcome of a full decode pass.
type Result struct {
	Document     *Node
	RecordCount  uint64
	SkippedCount uint64
	// SkippedErr aggregates, via multierr, the error that caused each
	// resilient-mode skip. Nil when nothing was skipped.
	SkippedErr error
}

// DecodeRecords performs a full decode pass, accumulating every record into
// the session's document. spec's decode_records. A non-nil error other than
// a resilient skip is fatal for the whole session, per spec §7.
func (s *Session) DecodeRecords(opts DecodeOptions) (*Result, error) {
	ctx := &parseCtx{buf: s.mm, logger: s.logger, debug: s.debug}
	res, err := scan(s.defs, ctx, opts.Resilient, true)
	s.document = res.Document

	result := &Result{
		Document:     res.Document,
		RecordCount:  res.RecordCount,
		SkippedCount: res.Skipped,
		SkippedErr:   multierr.Combine(res.Recovered...),
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// Print serializes the accumulated document as JSON to w, indented when
// pretty is set. Grounded on jASTERIX::printData, reduced to JSON
// pretty-printing since rendering beyond that is out of scope.
func (s *Session) Print(w io.Writer, pretty bool) error {
	doc := s.document
	if doc == nil {
		doc = NewArray()
	}
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(doc, "", "  ")
	} else {
		b, err = json.Marshal(doc)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Close unmaps the input file, releasing both resources a Session holds
// (the memory-mapped region and the document built over it).
func (s *Session) Close() error {
	s.document = nil
	return s.mm.Unmap()
}

// CategoryCoverage reports, for one category, which of its catalogue's
// possible leaf items (CategoryDef.PropertyList) were actually observed
// across a decode session versus never present in any record, regardless
// of how many records were decoded. SPEC_FULL.md §3's supplementary
// property-list reporting, grounded on original_source's PropertyList/
// DBObject pairing, reduced to the read-only enumeration.
type CategoryCoverage struct {
	Category int
	Observed []string
	Missing  []string
}

// Coverage walks the accumulated document from the last DecodeRecords call
// and reports, per category, which PropertyList entries were never emitted
// by any record — useful for spotting a schema catalogue item that no
// record in a given capture ever turns on. Returns nil if DecodeRecords has
// not been run (including after ScopeFrames, which builds no document).
func (s *Session) Coverage() []CategoryCoverage {
	if s.document == nil {
		return nil
	}

	observed := map[int]map[string]bool{}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		switch n.Kind() {
		case KindMap:
			if catNode, ok := n.Get(s.defs.Record.CategoryItem.Name); ok {
				if catVal, ok := catNode.Uint(); ok {
					if _, known := s.defs.Categories[int(catVal)]; known {
						cat := int(catVal)
						set := observed[cat]
						if set == nil {
							set = map[string]bool{}
							observed[cat] = set
						}
						collectKeys(n, set)
					}
				}
			}
			for _, k := range n.Keys() {
				v, _ := n.Get(k)
				walk(v)
			}
		case KindArray:
			for i := 0; i < n.Len(); i++ {
				walk(n.Index(i))
			}
		}
	}
	walk(s.document)

	cats := make([]int, 0, len(s.defs.Categories))
	for c := range s.defs.Categories {
		cats = append(cats, c)
	}
	sort.Ints(cats)

	out := make([]CategoryCoverage, 0, len(cats))
	for _, cat := range cats {
		set := observed[cat]
		var cov CategoryCoverage
		cov.Category = cat
		for _, name := range s.defs.Categories[cat].PropertyList {
			if set[name] {
				cov.Observed = append(cov.Observed, name)
			} else {
				cov.Missing = append(cov.Missing, name)
			}
		}
		out = append(out, cov)
	}
	return out
}

// collectKeys recursively gathers every map key reachable from n (the full
// set of structural and leaf names a decoded record exposes) into set.
func collectKeys(n *Node, set map[string]bool) {
	switch n.Kind() {
	case KindMap:
		for _, k := range n.Keys() {
			set[k] = true
			v, _ := n.Get(k)
			collectKeys(v, set)
		}
	case KindArray:
		for i := 0; i < n.Len(); i++ {
			collectKeys(n.Index(i), set)
		}
	}
}
