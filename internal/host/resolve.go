package host

import (
	"errors"
	"mime"
	"net/url"
	"strings"

	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/importmap"
)

var errSelfPointer = errors.New("types pointer refers to the module itself")

// localProbes are tried in order for extensionless file: specifiers.
var localProbes = []Extension{ExtTS, ExtTSX, ExtDTS, ExtJS, ExtJSX, ExtMTS, ExtMJS}

// ResolveModuleNameLiterals resolves each specifier imported by
// containingFile. A nil entry means the module cannot be found. Resolution
// never blocks on I/O: unknown modules come back pending and the refresh
// coordinator fires once their content is classified.
func (h *Host) ResolveModuleNameLiterals(specifiers []string, containingFile string) []*ResolvedModule {
	out := make([]*ResolvedModule, len(specifiers))
	for i, s := range specifiers {
		out[i] = h.ResolveModuleName(s, containingFile)
	}
	return out
}

// ResolveModuleName resolves a single specifier.
func (h *Host) ResolveModuleName(specifier, containingFile string) *ResolvedModule {
	h.mu.Lock()
	m := h.importMap
	h.mu.Unlock()

	resolved, mapped, err := importmap.Mapped(m, specifier, containingFile)
	if err != nil {
		h.logger.Debug("import map lookup failed", "specifier", specifier, "error", err)
		return nil
	}
	if !mapped {
		if importmap.IsBare(specifier) {
			return nil
		}
		if resolved, err = importmap.Resolve(nil, specifier, containingFile); err != nil {
			h.logger.Debug("specifier not resolvable", "specifier", specifier, "error", err)
			return nil
		}
	}

	u, err := url.Parse(resolved)
	if err != nil {
		return nil
	}
	if ext := ExtensionOf(containingFile, ""); ext.IsDeclaration() && ExtensionOf(u.Path, "") == "" {
		u.Path += string(ext)
	}

	switch u.Scheme {
	case "file":
		return h.resolveFile(u.String())
	case "http", "https":
		if u.Path != "" && !strings.HasSuffix(u.Path, "/") {
			return h.resolveRemote(u.String(), containingFile)
		}
	}
	return &ResolvedModule{ResolvedFileName: u.String(), Extension: ExtensionOf(u.Path, ExtJS)}
}

// --- file: ---

func (h *Host) resolveFile(uri string) *ResolvedModule {
	if name, ok := h.findLocal(uri); ok {
		return &ResolvedModule{ResolvedFileName: name, Extension: ExtensionOf(name, ExtTS)}
	}

	h.mu.Lock()
	_, missing := h.missingFiles[uri]
	h.mu.Unlock()
	if missing || h.client == nil {
		return nil
	}

	h.tryOpen(uri)
	return &ResolvedModule{ResolvedFileName: uri, Extension: ExtensionOf(uri, ExtTS), Pending: true}
}

// findLocal looks uri up among models, extra libs and bundled libs,
// probing script extensions when uri has none.
func (h *Host) findLocal(uri string) (string, bool) {
	candidates := []string{uri}
	if ExtensionOf(uri, "") == "" {
		for _, ext := range localProbes {
			candidates = append(candidates, uri+string(ext))
		}
	}
	for _, c := range candidates {
		if _, ok := h.model(c); ok {
			return c, true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range candidates {
		if _, ok := h.extraLibs[c]; ok {
			return c, true
		}
		if _, ok := h.libText(c); ok {
			return c, true
		}
	}
	return "", false
}

// tryOpen asks the client to open uri in the background. Concurrent
// requests for the same uri share one round trip.
func (h *Host) tryOpen(uri string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, _, _ = h.open.Do(uri, func() (any, error) {
			ok, err := h.client.TryOpenModel(h.ctx, uri)
			if h.ctx.Err() != nil {
				return nil, nil
			}
			if err != nil {
				h.logger.Warn("try open model failed", "uri", uri, "error", err)
				return nil, nil
			}
			if ok {
				h.logger.Debug("model opened", "uri", uri)
				h.refresher.Fire()
				return nil, nil
			}
			h.mu.Lock()
			h.missingFiles[uri] = struct{}{}
			h.mu.Unlock()
			return nil, nil
		})
	}()
}

// --- http(s): ---

func (h *Host) resolveRemote(u, containingFile string) *ResolvedModule {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.scriptFiles[containingFile]; ok && f.ext.IsPlainScript() {
		return &ResolvedModule{ResolvedFileName: u, Extension: urlExtension(u, ExtJS)}
	}
	if decl, ok := h.declFileFor[u]; ok {
		return &ResolvedModule{ResolvedFileName: decl, Extension: urlExtension(decl, ExtDTS)}
	}
	if f, ok := h.declFiles[u]; ok {
		return &ResolvedModule{ResolvedFileName: u, Extension: f.ext}
	}
	if f, ok := h.scriptFiles[u]; ok {
		return &ResolvedModule{ResolvedFileName: u, Extension: f.ext}
	}
	if _, ok := h.unresolvable[u]; ok {
		return nil
	}

	pending := &ResolvedModule{ResolvedFileName: u, Extension: urlExtension(u, ExtJS), Pending: true}
	if _, ok := h.inFlight[u]; ok {
		return pending
	}
	if h.fetcher == nil || h.ctx.Err() != nil {
		return &ResolvedModule{ResolvedFileName: u, Extension: urlExtension(u, ExtJS)}
	}

	t := &task{done: make(chan struct{})}
	h.inFlight[u] = t
	h.wg.Add(1)
	go h.fetchRemote(u, t)
	return pending
}

// fetchRemote downloads u and files it under one of the indexes. Transient
// failures leave u unclassified so a later pass retries it.
func (h *Host) fetchRemote(u string, t *task) {
	defer func() {
		h.mu.Lock()
		delete(h.inFlight, u)
		h.mu.Unlock()
		close(t.done)
		h.wg.Done()
	}()

	resp, err := h.fetcher.Fetch(h.ctx, u)
	if h.ctx.Err() != nil {
		return
	}
	if err != nil {
		h.logger.Warn("module fetch failed", "url", u, "error", err)
		return
	}
	if resp.ClientError() {
		h.markUnresolvable(u, "status", resp.StatusCode)
		h.refresher.Fire()
		return
	}
	if !resp.OK() {
		h.logger.Warn("module fetch returned server error", "url", u, "status", resp.StatusCode)
		return
	}
	if err := verifyIntegrity(resp.Body, h.ImportMap().IntegrityFor(u)); err != nil {
		h.markUnresolvable(u, "error", err)
		h.refresher.Fire()
		return
	}

	if ptr := resp.Header.Get(cachestore.TypesHeader); ptr != "" {
		if !h.followTypesPointer(u, t, resp, ptr) {
			return
		}
		h.refresher.Fire()
		return
	}

	state, ext := classify(u, resp)
	h.mu.Lock()
	switch state {
	case StateDeclaration:
		h.declFiles[u] = remoteFile{text: string(resp.Body), ext: ext}
	case StateScript:
		h.scriptFiles[u] = remoteFile{text: string(resp.Body), ext: ext}
	default:
		h.unresolvable[u] = struct{}{}
	}
	h.mu.Unlock()

	h.logger.Debug("module classified", "url", u, "state", state.String(), "extension", string(ext))
	h.refresher.Fire()
}

// followTypesPointer links u to the declaration file its response points
// at. The declaration URL goes through the same unresolvable and inFlight
// bookkeeping as a direct resolution. It returns false when the outcome is
// transient and u should stay pending.
func (h *Host) followTypesPointer(u string, t *task, resp *cachestore.Response, ptr string) bool {
	declURL, err := resolvePointer(resp, ptr)
	if err == nil && declURL == u {
		err = errSelfPointer
	}
	if err != nil {
		h.logger.Warn("invalid types pointer", "url", u, "pointer", ptr, "error", err)
		h.storeFallbackScript(u, resp)
		return true
	}

	h.mu.Lock()
	other, busy := h.inFlight[declURL]
	switch {
	case h.settled(declURL):
	case busy && h.blockedOn(other, u):
		h.mu.Unlock()
		h.logger.Warn("types pointer cycle, keeping script", "url", u, "types", declURL)
		h.storeFallbackScript(u, resp)
		return true
	case busy:
		t.waitsOn = declURL
		h.mu.Unlock()
		select {
		case <-other.done:
		case <-h.ctx.Done():
			return false
		}
		h.mu.Lock()
		t.waitsOn = ""
	default:
		own := &task{done: make(chan struct{})}
		h.inFlight[declURL] = own
		h.mu.Unlock()
		h.fetchDeclaration(declURL)
		h.mu.Lock()
		delete(h.inFlight, declURL)
		close(own.done)
	}
	defer h.mu.Unlock()

	if h.ctx.Err() != nil {
		return false
	}
	f, ok := h.declFiles[declURL]
	if !ok {
		f, ok = h.scriptFiles[declURL]
		if ok {
			f.ext = urlExtension(declURL, ExtDTS)
			h.declFiles[declURL] = f
		}
	}
	if ok {
		h.declFileFor[u] = declURL
		delete(h.scriptFiles, u)
		h.logger.Debug("types linked", "url", u, "types", declURL)
		return true
	}
	if _, gone := h.unresolvable[declURL]; gone {
		h.logger.Debug("types pointer unresolvable, keeping script", "url", u, "types", declURL)
		h.fallbackScriptLocked(u, resp)
		return true
	}
	return false
}

// fetchDeclaration downloads a types pointer target into declFiles, or marks
// it unresolvable on a terminal failure. Transient failures leave it
// unclassified.
func (h *Host) fetchDeclaration(declURL string) {
	resp, err := h.fetcher.Fetch(h.ctx, declURL)
	if h.ctx.Err() != nil {
		return
	}
	switch {
	case err != nil:
		h.logger.Warn("types fetch failed", "url", declURL, "error", err)
		return
	case resp.ClientError():
		h.markUnresolvable(declURL, "status", resp.StatusCode)
		return
	case !resp.OK():
		h.logger.Warn("types fetch returned server error", "url", declURL, "status", resp.StatusCode)
		return
	}
	if err := verifyIntegrity(resp.Body, h.ImportMap().IntegrityFor(declURL)); err != nil {
		h.markUnresolvable(declURL, "error", err)
		return
	}
	h.mu.Lock()
	h.declFiles[declURL] = remoteFile{text: string(resp.Body), ext: urlExtension(declURL, ExtDTS)}
	h.mu.Unlock()
}

// settled reports whether u has a final classification. Callers hold mu.
func (h *Host) settled(u string) bool {
	if _, ok := h.declFiles[u]; ok {
		return true
	}
	if _, ok := h.scriptFiles[u]; ok {
		return true
	}
	_, ok := h.unresolvable[u]
	return ok
}

// blockedOn reports whether t is, directly or through the tasks it waits
// on, waiting for u. Callers hold mu.
func (h *Host) blockedOn(t *task, u string) bool {
	for range len(h.inFlight) + 1 {
		if t.waitsOn == "" {
			return false
		}
		if t.waitsOn == u {
			return true
		}
		next, ok := h.inFlight[t.waitsOn]
		if !ok {
			return false
		}
		t = next
	}
	return true
}

// storeFallbackScript files the original body of u as a plain script.
func (h *Host) storeFallbackScript(u string, resp *cachestore.Response) {
	h.mu.Lock()
	h.fallbackScriptLocked(u, resp)
	h.mu.Unlock()
}

func (h *Host) fallbackScriptLocked(u string, resp *cachestore.Response) {
	state, ext := classify(u, resp)
	if state != StateScript {
		ext = ExtJS
	}
	h.scriptFiles[u] = remoteFile{text: string(resp.Body), ext: ext}
}

func (h *Host) markUnresolvable(u string, args ...any) {
	h.mu.Lock()
	h.unresolvable[u] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("module unresolvable", append([]any{"url", u}, args...)...)
}

// resolvePointer resolves a types header value against the final URL of
// the response carrying it.
func resolvePointer(resp *cachestore.Response, ptr string) (string, error) {
	base := resp.URL
	if base == "" {
		base = resp.RequestURL
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(ptr))
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}

// urlExtension is ExtensionOf applied to the path of a URL.
func urlExtension(u string, fallback Extension) Extension {
	if p, err := url.Parse(u); err == nil {
		return ExtensionOf(p.Path, fallback)
	}
	return ExtensionOf(u, fallback)
}

// classify decides whether a response is a declaration file, a script or
// neither, from its path and content type.
func classify(u string, resp *cachestore.Response) (ModuleState, Extension) {
	path := u
	if resp.URL != "" {
		path = resp.URL
	}
	if p, err := url.Parse(path); err == nil {
		path = p.Path
	}
	pathExt := ExtensionOf(path, "")
	if pathExt.IsDeclaration() {
		return StateDeclaration, pathExt
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch strings.ToLower(mediaType) {
	case "application/typescript", "application/x-typescript", "text/typescript", "text/x-typescript":
		switch pathExt {
		case ExtTSX, ExtMTS, ExtCTS:
			return StateScript, pathExt
		}
		return StateScript, ExtTS
	case "text/tsx":
		return StateScript, ExtTSX
	case "application/javascript", "application/x-javascript", "application/ecmascript",
		"text/javascript", "text/ecmascript":
		if pathExt.IsPlainScript() {
			return StateScript, pathExt
		}
		return StateScript, ExtJS
	case "text/jsx":
		return StateScript, ExtJSX
	case "application/json", "text/json":
		return StateScript, ExtJSON
	case "", "text/plain", "application/octet-stream":
		if pathExt != "" {
			return StateScript, pathExt
		}
	}
	return StateUnresolvable, ""
}
