package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/leapstack-labs/importls/internal/importmap"
	"github.com/leapstack-labs/importls/internal/refresh"
	"golang.org/x/sync/singleflight"
)

// Options configures a Host.
type Options struct {
	CompilerOptions CompilerOptions
	ImportMap       *importmap.ImportMap
	// Libs maps default library names (lib.es2020.full.d.ts, ...) to their
	// content.
	Libs      map[string]string
	ExtraLibs map[string]string
	Refresh   *refresh.Coordinator
	Logger    *slog.Logger
}

// Update replaces parts of the host configuration. Nil fields are left
// unchanged.
type Update struct {
	CompilerOptions *CompilerOptions
	ImportMap       *importmap.ImportMap
	// ExtraLibs fully replaces the extra-lib index when non-nil.
	ExtraLibs map[string]string
}

type remoteFile struct {
	text string
	ext  Extension
}

// task is one outstanding fetch. waitsOn names the URL whose task it is
// blocked on while following a types pointer.
type task struct {
	done    chan struct{}
	waitsOn string
}

// Host implements the engine-facing compiler host. It is safe for
// concurrent use; index state is guarded by mu, which is never held across
// I/O.
type Host struct {
	models    ModelSource
	client    Client
	fetcher   Fetcher
	refresher *refresh.Coordinator
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	open   singleflight.Group

	mu               sync.Mutex
	compilerOptions  CompilerOptions
	importMap        *importmap.ImportMap
	importMapVersion int
	libs             map[string]string
	extraLibs        map[string]*ExtraLib
	libVersions      map[string]int

	declFiles    map[string]remoteFile
	scriptFiles  map[string]remoteFile
	declFileFor  map[string]string
	unresolvable map[string]struct{}
	inFlight     map[string]*task
	missingFiles map[string]struct{}
}

// New creates a host. client and fetcher may be nil, which disables
// try-open and remote fetching respectively.
func New(models ModelSource, client Client, fetcher Fetcher, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Refresh == nil {
		opts.Refresh = refresh.New()
	}
	if opts.ImportMap == nil {
		opts.ImportMap = importmap.Blank()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		models:          models,
		client:          client,
		fetcher:         fetcher,
		refresher:       opts.Refresh,
		logger:          opts.Logger,
		ctx:             ctx,
		cancel:          cancel,
		compilerOptions: opts.CompilerOptions,
		importMap:       opts.ImportMap,
		libs:            make(map[string]string, len(opts.Libs)),
		extraLibs:       make(map[string]*ExtraLib),
		libVersions:     make(map[string]int),
		declFiles:       make(map[string]remoteFile),
		scriptFiles:     make(map[string]remoteFile),
		declFileFor:     make(map[string]string),
		unresolvable:    make(map[string]struct{}),
		inFlight:        make(map[string]*task),
		missingFiles:    make(map[string]struct{}),
	}
	for name, content := range opts.Libs {
		h.libs[name] = content
	}
	h.replaceExtraLibs(opts.ExtraLibs)

	if client != nil {
		h.forwardRefreshes()
	}
	return h
}

// Refresher returns the coordinator the host fires after resolution
// progress.
func (h *Host) Refresher() *refresh.Coordinator {
	return h.refresher
}

// forwardRefreshes relays coordinator events to the client until the host
// is disposed.
func (h *Host) forwardRefreshes() {
	ch := h.refresher.Subscribe()
	go func() {
		defer h.refresher.Unsubscribe(ch)
		for {
			select {
			case <-h.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := h.client.RefreshDiagnostics(h.ctx); err != nil {
					h.logger.Warn("refresh diagnostics failed", "error", err)
				}
			}
		}
	}()
}

// Dispose abandons outstanding work. Results arriving later are dropped.
func (h *Host) Dispose() {
	h.cancel()
}

// Wait blocks until no fetch or try-open task is running.
func (h *Host) Wait() {
	h.wg.Wait()
}

// --- engine contract ---

// ScriptFileNames returns the mirrored models and extra libs, without
// library files.
func (h *Host) ScriptFileNames() []string {
	var names []string
	if h.models != nil {
		for _, m := range h.models.Models() {
			if !h.isLibFile(m.URI()) {
				names = append(names, m.URI())
			}
		}
	}

	h.mu.Lock()
	libs := make([]string, 0, len(h.extraLibs))
	for path := range h.extraLibs {
		libs = append(libs, path)
	}
	h.mu.Unlock()
	sort.Strings(libs)

	return append(names, libs...)
}

// ScriptVersion returns "<model version>.<import map version>" for mirrored
// models so that replacing the import map invalidates every file.
func (h *Host) ScriptVersion(fileName string) string {
	if m, ok := h.model(fileName); ok {
		h.mu.Lock()
		v := h.importMapVersion
		h.mu.Unlock()
		return fmt.Sprintf("%d.%d", m.Version(), v)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if lib, ok := h.extraLibs[fileName]; ok {
		return strconv.Itoa(lib.Version)
	}
	if _, ok := h.libText(fileName); ok {
		return "1"
	}
	if _, ok := h.declFiles[fileName]; ok {
		return "1"
	}
	if _, ok := h.scriptFiles[fileName]; ok {
		return "1"
	}
	return ""
}

// ScriptText returns the text of any file the host knows.
func (h *Host) ScriptText(fileName string) (string, bool) {
	if m, ok := h.model(fileName); ok {
		return m.Text(), true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if lib, ok := h.extraLibs[fileName]; ok {
		return lib.Content, true
	}
	if text, ok := h.libText(fileName); ok {
		return text, true
	}
	if f, ok := h.declFiles[fileName]; ok {
		return f.text, true
	}
	if f, ok := h.scriptFiles[fileName]; ok {
		return f.text, true
	}
	return "", false
}

// ScriptSnapshot returns an immutable snapshot of fileName.
func (h *Host) ScriptSnapshot(fileName string) (*Snapshot, bool) {
	text, ok := h.ScriptText(fileName)
	if !ok {
		return nil, false
	}
	return &Snapshot{text: text}, true
}

// ReadFile is ScriptText under the engine's file-system name.
func (h *Host) ReadFile(path string) (string, bool) {
	return h.ScriptText(path)
}

// FileExists reports whether fileName can be read.
func (h *Host) FileExists(fileName string) bool {
	_, ok := h.ScriptText(fileName)
	return ok
}

// ScriptKind classifies fileName. Remote scripts keep the extension they
// were classified with.
func (h *Host) ScriptKind(fileName string) ScriptKind {
	h.mu.Lock()
	f, ok := h.scriptFiles[fileName]
	h.mu.Unlock()
	if ok {
		return scriptKindForExt(f.ext)
	}
	return ScriptKindOf(fileName)
}

// DefaultLibFileName picks the default library for opts' target.
func (h *Host) DefaultLibFileName(opts CompilerOptions) string {
	target := opts.ScriptTarget()
	if target == TargetES3 || target == TargetES5 {
		return "lib.d.ts"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if target == TargetESNext {
		if h.hasLib("lib.esnext.full.d.ts") {
			return "lib.esnext.full.d.ts"
		}
	}
	if eslib := fmt.Sprintf("lib.es%d.full.d.ts", 2013+int(target)); h.hasLib(eslib) {
		return eslib
	}
	return "lib.es6.d.ts"
}

// IsDefaultLibFileName reports whether fileName is a bundled library.
func (h *Host) IsDefaultLibFileName(fileName string) bool {
	return h.isLibFile(fileName)
}

// CompilationSettings returns the effective compiler options. An import
// map "@jsxImportSource" entry supplies the JSX runtime when the options
// do not name one.
func (h *Host) CompilationSettings() CompilerOptions {
	h.mu.Lock()
	defer h.mu.Unlock()

	opts := h.compilerOptions
	if opts.JSXImportSource == "" {
		if src := h.importMap.JSXImportSource(); src != "" {
			opts.JSXImportSource = src
			if opts.JSX == "" {
				opts.JSX = "react-jsx"
			}
		}
	}
	return opts
}

// ImportMap returns the current import map snapshot.
func (h *Host) ImportMap() *importmap.ImportMap {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.importMap
}

// ImportMapVersion returns how many times the import map was replaced.
func (h *Host) ImportMapVersion() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.importMapVersion
}

// UpdateCompilerOptions applies u. Replacing the import map bumps the
// import map version; replacing extra libs overwrites the whole index.
func (h *Host) UpdateCompilerOptions(u Update) {
	h.mu.Lock()
	if u.CompilerOptions != nil {
		h.compilerOptions = *u.CompilerOptions
	}
	if u.ImportMap != nil {
		h.importMap = u.ImportMap
		h.importMapVersion++
	}
	h.mu.Unlock()

	if u.ExtraLibs != nil {
		h.replaceExtraLibs(u.ExtraLibs)
	}
	h.logger.Debug("compiler options updated",
		"compiler_options", u.CompilerOptions != nil,
		"import_map", u.ImportMap != nil,
		"extra_libs", u.ExtraLibs != nil)
}

// --- extra libs ---

// AddExtraLib adds or replaces an extra lib and returns its version.
// Identical content keeps the current version.
func (h *Host) AddExtraLib(path, content string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addExtraLibLocked(path, content)
}

func (h *Host) addExtraLibLocked(path, content string) int {
	if lib, ok := h.extraLibs[path]; ok && lib.Content == content {
		return lib.Version
	}
	v := h.libVersions[path] + 1
	h.libVersions[path] = v
	h.extraLibs[path] = &ExtraLib{Path: path, Content: content, Version: v}
	return v
}

// RemoveExtraLib removes path. Its version is remembered so a later add
// gets a greater one.
func (h *Host) RemoveExtraLib(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.extraLibs[path]; !ok {
		return false
	}
	delete(h.extraLibs, path)
	return true
}

// ExtraLibs returns the extra libs sorted by path.
func (h *Host) ExtraLibs() []ExtraLib {
	h.mu.Lock()
	defer h.mu.Unlock()
	libs := make([]ExtraLib, 0, len(h.extraLibs))
	for _, lib := range h.extraLibs {
		libs = append(libs, *lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Path < libs[j].Path })
	return libs
}

func (h *Host) replaceExtraLibs(libs map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path := range h.extraLibs {
		if _, keep := libs[path]; !keep {
			delete(h.extraLibs, path)
		}
	}
	for path, content := range libs {
		h.addExtraLibLocked(path, content)
	}
}

// --- introspection ---

// ModuleState reports what the host knows about a remote URL, plus the
// declaration file serving it when there is one.
func (h *Host) ModuleState(url string) (ModuleState, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.declFileFor[url]; ok {
		return StateDeclaration, d
	}
	if _, ok := h.declFiles[url]; ok {
		return StateDeclaration, url
	}
	if _, ok := h.scriptFiles[url]; ok {
		return StateScript, ""
	}
	if _, ok := h.unresolvable[url]; ok {
		return StateUnresolvable, ""
	}
	if _, ok := h.inFlight[url]; ok {
		return StatePending, ""
	}
	return StateUnknown, ""
}

// Stats returns index sizes.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Declarations:     len(h.declFiles),
		Scripts:          len(h.scriptFiles),
		DeclarationLinks: len(h.declFileFor),
		Unresolvable:     len(h.unresolvable),
		InFlight:         len(h.inFlight),
		MissingFiles:     len(h.missingFiles),
		ExtraLibs:        len(h.extraLibs),
		ImportMapVersion: h.importMapVersion,
	}
}

// ForgetMissingFile clears the "not found" memo for a local file, for
// example after the file is created on disk.
func (h *Host) ForgetMissingFile(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.missingFiles, uri)
}

// --- helpers ---

func (h *Host) model(uri string) (Model, bool) {
	if h.models == nil {
		return nil, false
	}
	return h.models.Model(uri)
}

// libText looks up a bundled library by bare name or file:/// URI.
// Caller holds mu.
func (h *Host) libText(fileName string) (string, bool) {
	text, ok := h.libs[strings.TrimPrefix(fileName, "file:///")]
	return text, ok
}

// hasLib reports whether name is a bundled library or an extra lib.
// Caller holds mu.
func (h *Host) hasLib(name string) bool {
	if _, ok := h.libs[name]; ok {
		return true
	}
	_, ok := h.extraLibs[name]
	return ok
}

func (h *Host) isLibFile(fileName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.libText(fileName)
	return ok
}
