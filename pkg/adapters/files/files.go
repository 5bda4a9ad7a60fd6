// Package files is the built-in file system adapter. It exposes a directory
// tree through read_file, write_file, list_directory, create_directory and
// delete_file tools plus a file:/// resource template. Every operation is
// confined to the configured root.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ToolRead            = "read_file"
	ToolWrite           = "write_file"
	ToolList            = "list_directory"
	ToolCreateDirectory = "create_directory"
	ToolDelete          = "delete_file"

	// DefaultMaxFileSize bounds reads and writes when maxFileSize is unset.
	DefaultMaxFileSize int64 = 10 << 20
)

// DefaultExtensions are the file types served when allowedExtensions is unset.
var DefaultExtensions = []string{"txt", "md", "csv", "json", "yml", "yaml", "html"}

var allTools = []string{ToolRead, ToolWrite, ToolList, ToolCreateDirectory, ToolDelete}

var (
	ErrOutsideRoot  = errors.New("files: path escapes the base directory")
	ErrExtension    = errors.New("files: file extension not allowed")
	ErrTooLarge     = errors.New("files: file exceeds maximum size")
	ErrNotFile      = errors.New("files: not a regular file")
	ErrNotDirectory = errors.New("files: not a directory")
)

// Config controls one adapter instance.
type Config struct {
	Root              string
	AllowedExtensions []string
	MaxFileSize       int64
	// Tools lists the enabled tools; empty enables all of them.
	Tools  []string
	Logger *slog.Logger
}

// ParseOptions reads a Config from backend options:
//
//	root               base directory (default: working directory)
//	allowedExtensions  comma separated, without dots
//	maxFileSize        bytes
//	tools              comma separated subset of the tool names
//	readOnly           "true" keeps only read_file and list_directory
func ParseOptions(opts map[string]string) (Config, error) {
	cfg := Config{Root: opts["root"]}
	if v := opts["allowedExtensions"]; v != "" {
		cfg.AllowedExtensions = splitList(v)
	}
	if v := opts["maxFileSize"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("files: maxFileSize must be a positive integer, got %q", v)
		}
		cfg.MaxFileSize = n
	}
	if v := opts["tools"]; v != "" {
		cfg.Tools = splitList(v)
		for _, name := range cfg.Tools {
			if !slices.Contains(allTools, name) {
				return Config{}, fmt.Errorf("files: unknown tool %q", name)
			}
		}
	}
	if v := opts["readOnly"]; v != "" {
		ro, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("files: readOnly: %w", err)
		}
		if ro {
			enabled := cfg.Tools
			if len(enabled) == 0 {
				enabled = allTools
			}
			cfg.Tools = slices.DeleteFunc(slices.Clone(enabled), func(name string) bool {
				return name != ToolRead && name != ToolList
			})
		}
	}
	return cfg, nil
}

// New is the adapter factory registered under "files".
func New(opts map[string]string, logger *slog.Logger) (*mcp.Server, error) {
	cfg, err := ParseOptions(opts)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return NewServer(cfg)
}

type adapter struct {
	root    string
	exts    []string
	maxSize int64
	logger  *slog.Logger
}

// NewServer builds the go-sdk server for cfg.
func NewServer(cfg Config) (*mcp.Server, error) {
	root := cfg.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("files: resolve working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("files: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("files: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("files: root %s: %w", root, ErrNotDirectory)
	}

	a := &adapter{
		root:    root,
		exts:    cfg.AllowedExtensions,
		maxSize: cfg.MaxFileSize,
		logger:  cfg.Logger,
	}
	if len(a.exts) == 0 {
		a.exts = DefaultExtensions
	}
	if a.maxSize <= 0 {
		a.maxSize = DefaultMaxFileSize
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	enabled := cfg.Tools
	if len(enabled) == 0 {
		enabled = allTools
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "files", Version: "1.0.0"}, nil)
	if slices.Contains(enabled, ToolRead) {
		mcp.AddTool(server, &mcp.Tool{Name: ToolRead, Description: "Read the contents of a file relative to the base directory."}, a.readFile)
		server.AddResourceTemplate(&mcp.ResourceTemplate{
			Name:        "file",
			Description: "Files under the base directory.",
			URITemplate: "file:///{+path}",
		}, a.readResource)
	}
	if slices.Contains(enabled, ToolWrite) {
		mcp.AddTool(server, &mcp.Tool{Name: ToolWrite, Description: "Write content to a file, creating parent directories as needed."}, a.writeFile)
	}
	if slices.Contains(enabled, ToolList) {
		mcp.AddTool(server, &mcp.Tool{Name: ToolList, Description: "List the contents of a directory relative to the base directory."}, a.listDirectory)
	}
	if slices.Contains(enabled, ToolCreateDirectory) {
		mcp.AddTool(server, &mcp.Tool{Name: ToolCreateDirectory, Description: "Create a directory and any missing parents."}, a.createDirectory)
	}
	if slices.Contains(enabled, ToolDelete) {
		mcp.AddTool(server, &mcp.Tool{Name: ToolDelete, Description: "Delete a file."}, a.deleteFile)
	}
	return server, nil
}

type pathArgs struct {
	Path string `json:"path" jsonschema:"path relative to the base directory"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"path relative to the base directory"`
	Content string `json:"content" jsonschema:"text to write"`
}

type listArgs struct {
	Path string `json:"path,omitempty" jsonschema:"directory relative to the base directory; empty lists the base directory"`
}

func (a *adapter) readFile(ctx context.Context, _ *mcp.CallToolRequest, in pathArgs) (*mcp.CallToolResult, any, error) {
	text, err := a.read(in.Path)
	if err != nil {
		return nil, nil, err
	}
	return textResult(text), nil, nil
}

func (a *adapter) readResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	u, err := url.Parse(req.Params.URI)
	if err != nil || u.Scheme != "file" {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	rel := strings.TrimPrefix(u.Path, "/")
	text, err := a.read(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{
		URI:      req.Params.URI,
		MIMEType: mimeType(rel),
		Text:     text,
	}}}, nil
}

func (a *adapter) writeFile(ctx context.Context, _ *mcp.CallToolRequest, in writeArgs) (*mcp.CallToolResult, any, error) {
	if err := a.checkFile(in.Path); err != nil {
		return nil, nil, err
	}
	if int64(len(in.Content)) > a.maxSize {
		return nil, nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, a.maxSize)
	}
	root, err := os.OpenRoot(a.root)
	if err != nil {
		return nil, nil, err
	}
	defer root.Close()

	if dir := path.Dir(filepath.ToSlash(in.Path)); dir != "." {
		if err := mkdirAll(root, dir); err != nil {
			return nil, nil, err
		}
	}
	f, err := root.Create(in.Path)
	if err != nil {
		return nil, nil, err
	}
	if _, err := io.WriteString(f, in.Content); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		return nil, nil, err
	}
	a.logger.Debug("files: wrote file", "path", in.Path, "bytes", len(in.Content))
	return textResult("Successfully wrote to " + in.Path), nil, nil
}

func (a *adapter) listDirectory(ctx context.Context, _ *mcp.CallToolRequest, in listArgs) (*mcp.CallToolResult, any, error) {
	dir := in.Path
	if dir == "" {
		dir = "."
	}
	if !filepath.IsLocal(dir) && dir != "." {
		return nil, nil, ErrOutsideRoot
	}
	root, err := os.OpenRoot(a.root)
	if err != nil {
		return nil, nil, err
	}
	defer root.Close()

	info, err := root.Stat(dir)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%s: %w", in.Path, ErrNotDirectory)
	}
	entries, err := fs.ReadDir(root.FS(), filepath.ToSlash(dir))
	if err != nil {
		return nil, nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contents of %s:\n", dir)
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "- %s [directory]\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s [file] (%d bytes)\n", e.Name(), info.Size())
	}
	return textResult(b.String()), nil, nil
}

func (a *adapter) createDirectory(ctx context.Context, _ *mcp.CallToolRequest, in pathArgs) (*mcp.CallToolResult, any, error) {
	if !filepath.IsLocal(in.Path) {
		return nil, nil, ErrOutsideRoot
	}
	root, err := os.OpenRoot(a.root)
	if err != nil {
		return nil, nil, err
	}
	defer root.Close()
	if err := mkdirAll(root, filepath.ToSlash(in.Path)); err != nil {
		return nil, nil, err
	}
	return textResult("Successfully created directory " + in.Path), nil, nil
}

func (a *adapter) deleteFile(ctx context.Context, _ *mcp.CallToolRequest, in pathArgs) (*mcp.CallToolResult, any, error) {
	if err := a.checkFile(in.Path); err != nil {
		return nil, nil, err
	}
	root, err := os.OpenRoot(a.root)
	if err != nil {
		return nil, nil, err
	}
	defer root.Close()

	info, err := root.Stat(in.Path)
	if err != nil {
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("%s: %w", in.Path, ErrNotFile)
	}
	if err := root.Remove(in.Path); err != nil {
		return nil, nil, err
	}
	return textResult("Successfully deleted " + in.Path), nil, nil
}

func (a *adapter) read(name string) (string, error) {
	if err := a.checkFile(name); err != nil {
		return "", err
	}
	root, err := os.OpenRoot(a.root)
	if err != nil {
		return "", err
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, ErrNotFile)
	}
	if info.Size() > a.maxSize {
		return "", fmt.Errorf("%w of %d bytes", ErrTooLarge, a.maxSize)
	}
	data, err := io.ReadAll(io.LimitReader(f, a.maxSize+1))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// checkFile validates a file path lexically: it must stay under the root and
// carry an allowed extension. os.Root enforces confinement again at open time,
// including through symlinks.
func (a *adapter) checkFile(name string) error {
	if name == "" || !filepath.IsLocal(name) {
		return ErrOutsideRoot
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if !slices.Contains(a.exts, ext) {
		return fmt.Errorf("%w: %q (allowed: %s)", ErrExtension, ext, strings.Join(a.exts, ", "))
	}
	return nil
}

func mkdirAll(root *os.Root, dir string) error {
	cur := ""
	for _, part := range strings.Split(dir, "/") {
		if part == "" || part == "." {
			continue
		}
		cur = path.Join(cur, part)
		if err := root.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "text/plain"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), ".")); part != "" {
			out = append(out, part)
		}
	}
	return out
}
