package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/importls/internal/analysis"
	"github.com/leapstack-labs/importls/internal/cachestore"
	"github.com/leapstack-labs/importls/internal/config"
	"github.com/leapstack-labs/importls/internal/host"
	"github.com/leapstack-labs/importls/internal/importmap"
	"github.com/leapstack-labs/importls/internal/refresh"
	"github.com/leapstack-labs/importls/internal/vfs"
)

// JSON-RPC error codes.
const (
	codeInvalidRequest       = -32600
	codeMethodNotFound       = -32601
	codeInvalidParams        = -32602
	codeInternalError        = -32603
	codeServerNotInitialized = -32002
)

// Default debounce delays.
const (
	DefaultRefreshDelay   = 50 * time.Millisecond
	DefaultConfigDebounce = 150 * time.Millisecond
)

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Store backs the HTTP cache and buffer persistence. Nil disables both.
	Store cachestore.Store
	// HTTP fetches remote modules. Nil disables remote resolution.
	HTTP           cachestore.Doer
	Version        string
	RefreshDelay   time.Duration
	ConfigDebounce time.Duration
}

// Server implements the Language Server Protocol for importls.
type Server struct {
	opts Options

	// Document management
	documents *DocumentStore

	registry *host.Registry
	engMu    sync.RWMutex
	engines  map[string]*analysis.Engine

	fetcher host.Fetcher
	store   cachestore.Store
	files   *vfs.FS

	// Project context, guarded by mu
	mu          sync.RWMutex
	projectRoot string
	project     *config.Project
	overrides   settings
	commandLibs map[string]string
	inlayHints  bool
	initialized bool

	configRefresh *refresh.Coordinator
	watcher       *fsnotify.Watcher
	watchMu       sync.Mutex
	watchedDirs   map[string]bool

	// Outstanding server-to-client requests
	pending sync.Map

	// I/O
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex

	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	exited   atomic.Bool
}

// NewServer creates a new LSP server instance.
func NewServer(reader io.Reader, writer io.Writer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	if opts.ConfigDebounce <= 0 {
		opts.ConfigDebounce = DefaultConfigDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:          opts,
		documents:     NewDocumentStore(),
		engines:       make(map[string]*analysis.Engine),
		store:         opts.Store,
		project:       defaultProject(),
		commandLibs:   make(map[string]string),
		configRefresh: refresh.NewWithDelay(opts.ConfigDebounce),
		watchedDirs:   make(map[string]bool),
		reader:        bufio.NewReader(reader),
		writer:        writer,
		logger:        opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
	if opts.HTTP != nil {
		s.fetcher = cachestore.NewFetcher(opts.Store, opts.HTTP, opts.Logger.With("component", "fetch"))
	}
	if opts.Store != nil {
		s.files = vfs.New(opts.Store, opts.Logger)
	}
	s.registry = host.NewRegistry(s.newHost)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watching disabled", "error", err)
	} else {
		s.watcher = w
	}
	return s
}

func defaultProject() *config.Project {
	return &config.Project{
		ImportMap:     importmap.Blank(),
		MaxGraphFiles: analysis.DefaultMaxGraphFiles,
	}
}

// Run starts the server's main loop, processing JSON-RPC messages until
// the client sends exit, the stream closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("importls LSP server starting...")
	defer s.dispose()

	go func() {
		defer s.cancel()
		s.readLoop()
	}()

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.configLoop(gctx) })
	g.Go(func() error { return s.watchLoop(gctx) })

	select {
	case <-ctx.Done():
		s.cancel()
	case <-s.ctx.Done():
	}
	return g.Wait()
}

func (s *Server) readLoop() {
	for {
		if s.exited.Load() {
			return
		}

		msg, err := s.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Info("client disconnected")
				return
			}
			s.logger.Error("error reading message", "error", err)
			continue
		}

		if err := s.handleMessage(msg); err != nil {
			s.logger.Error("error handling message", "method", msg.Method, "error", err)
		}
	}
}

// dispose releases hosts and the watcher.
func (s *Server) dispose() {
	s.cancel()
	s.registry.Dispose()
	s.watchMu.Lock()
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	s.watchMu.Unlock()
}

// JSONRPCMessage represents a JSON-RPC 2.0 message.
type JSONRPCMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// readMessage reads a JSON-RPC message from the input stream.
func (s *Server) readMessage() (*JSONRPCMessage, error) {
	return readMessage(s.reader)
}

// readMessage reads one Content-Length framed message from r.
func readMessage(r *bufio.Reader) (*JSONRPCMessage, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if line != "" && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break // End of headers
		}

		if v, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			contentLength, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
		}
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("error reading body: %w", err)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("error parsing message: %w", err)
	}
	return &msg, nil
}

// sendResponse sends a JSON-RPC response.
func (s *Server) sendResponse(id *json.RawMessage, result any, err *JSONRPCError) {
	msg := JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      id,
	}

	if err != nil {
		msg.Error = err
	} else {
		resultBytes, _ := json.Marshal(result)
		msg.Result = resultBytes
	}

	s.writeMessage(&msg)
}

// sendNotification sends a JSON-RPC notification (no ID).
func (s *Server) sendNotification(method string, params any) {
	msg := JSONRPCMessage{
		JSONRPC: "2.0",
		Method:  method,
	}

	if params != nil {
		paramsBytes, _ := json.Marshal(params)
		msg.Params = paramsBytes
	}

	s.writeMessage(&msg)
}

// sendRequest sends a server-to-client request. The response is matched
// by id and only logged.
func (s *Server) sendRequest(method string, params any) string {
	id := uuid.NewString()
	raw := json.RawMessage(strconv.Quote(id))
	msg := JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      &raw,
		Method:  method,
	}
	if params != nil {
		paramsBytes, _ := json.Marshal(params)
		msg.Params = paramsBytes
	}

	s.pending.Store(id, method)
	s.writeMessage(&msg)
	return id
}

// writeMessage writes a JSON-RPC message to the output stream.
func (s *Server) writeMessage(msg *JSONRPCMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("error marshaling message", "error", err)
		return
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	_, _ = s.writer.Write([]byte(header))
	_, _ = s.writer.Write(body)
}

// handleResponse consumes the client's answer to a server request.
func (s *Server) handleResponse(msg *JSONRPCMessage) {
	var id string
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		return
	}
	method, ok := s.pending.LoadAndDelete(id)
	if !ok {
		s.logger.Debug("response to unknown request", "id", id)
		return
	}
	if msg.Error != nil {
		s.logger.Warn("client rejected request", "method", method, "error", msg.Error.Message)
	}
}

type handlerFunc func(s *Server, msg *JSONRPCMessage) error

var handlers = map[string]handlerFunc{
	"initialize":                       (*Server).handleInitialize,
	"initialized":                      (*Server).handleInitialized,
	"shutdown":                         (*Server).handleShutdown,
	"exit":                             (*Server).handleExit,
	"textDocument/didOpen":             (*Server).handleDidOpen,
	"textDocument/didClose":            (*Server).handleDidClose,
	"textDocument/didChange":           (*Server).handleDidChange,
	"textDocument/didSave":             (*Server).handleDidSave,
	"textDocument/completion":          (*Server).handleCompletion,
	"textDocument/hover":               (*Server).handleHover,
	"textDocument/inlayHint":           (*Server).handleInlayHint,
	"textDocument/formatting":          (*Server).handleFormatting,
	"workspace/didChangeConfiguration": (*Server).handleDidChangeConfiguration,
	"workspace/executeCommand":         (*Server).handleExecuteCommand,
}

// handleMessage dispatches a message to the appropriate handler.
func (s *Server) handleMessage(msg *JSONRPCMessage) error {
	if msg.Method == "" {
		if msg.ID != nil {
			s.handleResponse(msg)
		}
		return nil
	}
	s.logger.Debug("received", "method", msg.Method)

	h, ok := handlers[msg.Method]
	switch {
	case !ok:
		if msg.ID != nil {
			s.replyError(msg, codeMethodNotFound, "Method not found: "+msg.Method)
		}
		return nil
	case s.shutdown.Load() && msg.Method != "exit":
		if msg.ID != nil {
			s.replyError(msg, codeInvalidRequest, "server is shutting down")
		}
		return nil
	case !s.isInitialized() && msg.Method != "initialize" && msg.Method != "exit":
		if msg.ID != nil {
			s.replyError(msg, codeServerNotInitialized, "server not initialized")
		}
		return nil
	}
	return h(s, msg)
}

func (s *Server) replyError(msg *JSONRPCMessage, code int, message string) {
	s.sendResponse(msg.ID, nil, &JSONRPCError{Code: code, Message: message})
}

// decodeParams unmarshals msg.Params into v, answering invalid params
// when msg is a request.
func (s *Server) decodeParams(msg *JSONRPCMessage, v any) error {
	if err := json.Unmarshal(msg.Params, v); err != nil {
		if msg.ID != nil {
			s.replyError(msg, codeInvalidParams, err.Error())
		}
		return err
	}
	return nil
}

func (s *Server) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// --- Lifecycle handlers ---

// Commands lists the workspace/executeCommand commands.
var Commands = []string{
	CommandAddExtraLib,
	CommandRemoveExtraLib,
	CommandResolve,
	CommandReloadConfig,
	CommandGraph,
}

func (s *Server) handleInitialize(msg *JSONRPCMessage) error {
	var params InitializeParams
	if err := s.decodeParams(msg, &params); err != nil {
		return err
	}

	root := params.RootPath
	switch {
	case params.RootURI != "":
		root = URIToPath(params.RootURI)
	case len(params.WorkspaceFolders) > 0:
		root = URIToPath(params.WorkspaceFolders[0].URI)
	}
	if root != "" {
		if found := config.FindProjectRoot(root); found != "" {
			root = found
		}
	}

	opts, err := parseSettings(params.InitializationOptions)
	if err != nil {
		s.logger.Warn("ignoring initialization options", "error", err)
	}

	s.mu.Lock()
	s.projectRoot = root
	s.inlayHints = params.Capabilities.Workspace.InlayHint.RefreshSupport
	s.overrides = opts
	s.initialized = true
	s.mu.Unlock()
	s.logger.Info("project root", "path", root)

	if root != "" {
		s.reloadConfig()
		s.startWatcher(root)
	}

	result := InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: &TextDocumentSyncOptions{
				OpenClose: true,
				Change:    TextDocumentSyncKindIncremental,
				Save: &SaveOptions{
					IncludeText: true,
				},
			},
			CompletionProvider: &CompletionOptions{
				TriggerCharacters: []string{"\"", "'", "/", "@"},
			},
			HoverProvider:              true,
			InlayHintProvider:          true,
			DocumentFormattingProvider: true,
			ExecuteCommandProvider:     &ExecuteCommandOptions{Commands: Commands},
		},
		ServerInfo: &ServerInfo{Name: "importls", Version: s.opts.Version},
	}

	s.sendResponse(msg.ID, result, nil)
	return nil
}

func (s *Server) handleInitialized(_ *JSONRPCMessage) error {
	s.logger.Info("server initialized")

	if s.fetcher == nil {
		s.sendNotification("window/showMessage", &ShowMessageParams{
			Type:    MessageTypeWarning,
			Message: "Remote module fetching is disabled; URL imports will not be type checked.",
		})
	}
	return nil
}

func (s *Server) handleShutdown(msg *JSONRPCMessage) error {
	s.shutdown.Store(true)
	s.registry.Dispose()

	s.sendResponse(msg.ID, nil, nil)
	s.logger.Info("server shutdown")
	return nil
}

func (s *Server) handleExit(_ *JSONRPCMessage) error {
	s.logger.Info("server exit")
	s.exited.Store(true)
	s.cancel()
	return nil
}
