// Package loader places binary images into a single simulated address
// space and resolves cross-object references, producing the in-memory
// model an OS loader would have built, without executing anything.
package loader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/oleiade/lane"

	"github.com/binmap/binmap/pkg/arch"
	"github.com/binmap/binmap/pkg/logflags"
)

// probePrefixSize is how much of a file a format probe may examine.
// Probes must answer from this prefix alone.
const probePrefixSize = 0x1000

// Format describes one container format: a probe that recognizes it
// from a fixed-size header prefix and an opener that builds a Backend.
// The loader is handed an explicit list of formats at construction;
// there is no global registry.
type Format struct {
	Name string
	// Probe reports whether the prefix identifies this format. The
	// prefix is at most probePrefixSize bytes and may be shorter for
	// small files.
	Probe func(prefix []byte) bool
	// Open decodes the file into a Backend.
	Open func(path string, opts OpenOptions) (Backend, error)
}

// OpenOptions carries per-object knobs from the loader to a format
// backend.
type OpenOptions struct {
	// Arch forces an architecture instead of deriving it from the
	// file's machine-type field.
	Arch *arch.Arch
	// MainBinary marks the first, root object of the load.
	MainBinary bool
	// Provides overrides the name dependents bind against; shared
	// libraries default to their file basename.
	Provides string
}

// Options configures a Loader.
type Options struct {
	// Formats is the ordered list of format probes to try.
	Formats []Format
	// AutoLoadLibs walks the dependency lists of loaded objects and
	// loads what it can find; missing libraries leave their import
	// relocations unresolved rather than failing the load.
	AutoLoadLibs bool
	// SearchPaths is where dependency libraries are looked for, in
	// order. The main binary's directory is always searched last.
	SearchPaths []string
	// Arch forces every object's architecture.
	Arch *arch.Arch
	// LenientLookup retries failed symbol lookups ignoring provider
	// constraints, binding best-effort against any exporter.
	LenientLookup bool
}

const symbolCacheSize = 256

// Loader owns the list of loaded objects, assigns each a
// non-overlapping mapped base, and drives the two-phase resolution:
// placement of every object first, then cross-object symbol
// resolution and patch application. It is not safe for concurrent use.
type Loader struct {
	opts Options

	objects []Backend
	main    Backend

	unresolved []Relocation

	symIndex *trie.Trie
	symCache *lru.Cache

	log logflags.Logger
}

// New returns an empty Loader.
func New(opts Options) *Loader {
	cache, _ := lru.New(symbolCacheSize)
	return &Loader{
		opts:     opts,
		symIndex: trie.New(),
		symCache: cache,
		log:      logflags.LoaderLogger(),
	}
}

// Objects returns the loaded objects in placement order.
func (l *Loader) Objects() []Backend { return l.objects }

// MainObject returns the first object loaded, or nil.
func (l *Loader) MainObject() Backend { return l.main }

// Unresolved returns the relocations left failed by the last
// resolution pass.
func (l *Loader) Unresolved() []Relocation { return l.unresolved }

// Load opens path with the first format whose probe claims it, places
// it, optionally loads its dependency closure, and resolves all
// relocations. It returns the object built for path. Partial symbol
// resolution is not an error; inspect Unresolved.
func (l *Loader) Load(path string) (Backend, error) {
	obj, err := l.openPath(path, OpenOptions{
		Arch:       l.opts.Arch,
		MainBinary: len(l.objects) == 0,
	})
	if err != nil {
		return nil, err
	}
	l.AddObject(obj)
	if l.opts.AutoLoadLibs {
		l.loadDependencies(obj)
	}
	l.ResolveRelocations()
	return obj, nil
}

// AddObject assigns obj a mapped base that overlaps no object placed
// before it and appends it to the address space. The object keeps its
// link base when that range is free; otherwise it is bumped to just
// above the highest address currently occupied. Placement order is
// insertion order and an assigned base is never revisited. The
// assigned base is returned.
//
// AddObject only places; call ResolveRelocations once every object of
// interest has been added.
func (l *Loader) AddObject(obj Backend) uint64 {
	desired := obj.LinkBase()
	extent := obj.ImageSize()

	conflict := false
	for _, p := range l.objects {
		// An empty image occupies no addresses and never collides.
		if extent > 0 && desired < p.MaxMappedAddr() && p.MinMappedAddr() < desired+extent {
			conflict = true
			break
		}
	}
	base := desired
	if conflict {
		base = 0
		for _, p := range l.objects {
			if end := p.MaxMappedAddr(); end > base {
				base = end
			}
		}
		l.log.Debugf("%s conflicts at %#x, bumped to %#x", displayName(obj), desired, base)
	}
	obj.setMappedBase(base)
	l.objects = append(l.objects, obj)
	if l.main == nil {
		l.main = obj
	}
	l.indexExports(obj)
	l.symCache.Purge()
	l.log.Debugf("placed %s at %#x (extent %#x)", displayName(obj), base, extent)
	return base
}

// ResolveRelocations runs the second phase: for every object in
// insertion order and every relocation in table order, bind the
// relocation's symbol against the loaded objects and apply the patch.
// Relocations that fail to bind are recorded and skipped; the failed
// set is returned and also available from Unresolved.
func (l *Loader) ResolveRelocations() []Relocation {
	l.unresolved = l.unresolved[:0]
	for _, obj := range l.objects {
		for _, r := range obj.Relocations() {
			if r.State() == RelocResolved {
				continue
			}
			ok := r.Resolve(l.objects, false)
			if !ok && l.opts.LenientLookup {
				ok = r.Resolve(l.objects, true)
			}
			if !ok {
				l.unresolved = append(l.unresolved, r)
				continue
			}
			if err := r.Apply(); err != nil {
				l.log.Errorf("applying relocation at %#x in %s: %v", r.Addr(), displayName(obj), err)
			}
		}
	}
	if len(l.unresolved) > 0 {
		l.log.Debugf("%d relocations remain unresolved", len(l.unresolved))
	}
	return l.unresolved
}

// FindSymbol searches the export tables of every loaded object in
// placement order and returns the first match, or nil.
func (l *Loader) FindSymbol(name string) *Symbol {
	if v, ok := l.symCache.Get(name); ok {
		return v.(*Symbol)
	}
	for _, obj := range l.objects {
		if sym := obj.ExportedSymbol(name); sym != nil {
			l.symCache.Add(name, sym)
			return sym
		}
	}
	return nil
}

// SymbolsByPrefix returns every exported symbol whose name starts with
// prefix, across all loaded objects.
func (l *Loader) SymbolsByPrefix(prefix string) []*Symbol {
	var out []*Symbol
	for _, name := range l.symIndex.PrefixSearch(prefix) {
		if node, ok := l.symIndex.Find(name); ok {
			out = append(out, node.Meta().([]*Symbol)...)
		}
	}
	return out
}

func (l *Loader) indexExports(obj Backend) {
	for name, sym := range obj.ExportedSymbols() {
		var syms []*Symbol
		if node, ok := l.symIndex.Find(name); ok {
			syms = node.Meta().([]*Symbol)
		}
		l.symIndex.Add(name, append(syms, sym))
	}
}

// loadDependencies walks the dependency lists breadth-first, loading
// each library it can locate. A dependency that cannot be found is
// logged and skipped; its import relocations will simply fail to
// resolve.
func (l *Loader) loadDependencies(root Backend) {
	seen := make(map[string]bool)
	for _, obj := range l.objects {
		if p := obj.Provides(); p != "" {
			seen[strings.ToLower(p)] = true
		}
	}

	queue := lane.NewQueue()
	for _, dep := range root.Dependencies() {
		queue.Enqueue(dep)
	}
	for !queue.Empty() {
		dep := queue.Dequeue().(string)
		key := strings.ToLower(dep)
		if seen[key] {
			continue
		}
		seen[key] = true
		path, ok := l.findLibrary(dep)
		if !ok {
			l.log.Debugf("could not find %s, skipping", dep)
			continue
		}
		lib, err := l.openPath(path, OpenOptions{Arch: l.opts.Arch})
		if err != nil {
			l.log.Warnf("could not load %s: %v", path, err)
			continue
		}
		l.AddObject(lib)
		for _, d := range lib.Dependencies() {
			queue.Enqueue(d)
		}
	}
}

// findLibrary locates a dependency by case-insensitive file name in
// the search paths, then next to the main binary.
func (l *Loader) findLibrary(name string) (string, bool) {
	dirs := append([]string{}, l.opts.SearchPaths...)
	if l.main != nil && l.main.Binary() != "" {
		dirs = append(dirs, filepath.Dir(l.main.Binary()))
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.EqualFold(e.Name(), name) {
				return filepath.Join(dir, e.Name()), true
			}
		}
	}
	return "", false
}

func (l *Loader) openPath(path string, opts OpenOptions) (Backend, error) {
	prefix, err := readPrefix(path)
	if err != nil {
		return nil, err
	}
	for _, f := range l.opts.Formats {
		if f.Probe(prefix) {
			obj, err := f.Open(path, opts)
			if err != nil {
				return nil, &FormatError{Format: f.Name, Path: path, Err: err}
			}
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNoCompatibleFormat)
}

func readPrefix(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	prefix := make([]byte, probePrefixSize)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyImage)
	}
	return prefix[:n], nil
}

func displayName(obj Backend) string {
	if obj.Binary() != "" {
		return filepath.Base(obj.Binary())
	}
	if obj.Provides() != "" {
		return obj.Provides()
	}
	return "(anonymous object)"
}
