package syscall

import (
	"context"
	"database/sql"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

// FileInfo is the result of an fs.stat call.
type FileInfo struct {
	Path string
	Size int64
}

// Host executes the side-effecting half of fs, net, and db syscalls after
// the capability gate has passed. The dispatcher owns classification,
// checking, and auditing; the host owns only the effects.
type Host interface {
	FileRead(ctx context.Context, path string) ([]byte, error)
	FileList(ctx context.Context, prefix string) ([]string, error)
	FileStat(ctx context.Context, path string) (FileInfo, error)
	FileWrite(ctx context.Context, path string, data []byte) error
	FileDelete(ctx context.Context, path string) error

	NetOpen(ctx context.Context, endpoint string) error
	NetClose(ctx context.Context, endpoint string) error
	NetSend(ctx context.Context, endpoint string, data []byte) (int, error)
	NetFetch(ctx context.Context, endpoint string) ([]byte, error)

	DBQuery(ctx context.Context, name, query string, args ...any) ([]map[string]any, error)
	DBExec(ctx context.Context, name, statement string, args ...any) (int64, error)
}

// MemHost is an in-process Host: files live in a map, network endpoints
// echo, databases are registered database/sql handles. It backs tests and
// single-node deployments that keep all effects local.
type MemHost struct {
	mu    sync.RWMutex
	files map[string][]byte
	open  map[string]bool
	sent  map[string][][]byte
	dbs   map[string]*sql.DB
}

// NewMemHost creates an empty in-process host.
func NewMemHost() *MemHost {
	return &MemHost{
		files: make(map[string][]byte),
		open:  make(map[string]bool),
		sent:  make(map[string][][]byte),
		dbs:   make(map[string]*sql.DB),
	}
}

// RegisterDB attaches a database handle under a logical name.
func (h *MemHost) RegisterDB(name string, db *sql.DB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dbs[name] = db
}

func (h *MemHost) FileRead(_ context.Context, path string) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.files[path]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeResourceNotFound, kernelerr.CategoryUser,
			"file not found: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (h *MemHost) FileList(_ context.Context, prefix string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for p := range h.files {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out, nil
}

func (h *MemHost) FileStat(_ context.Context, path string) (FileInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.files[path]
	if !ok {
		return FileInfo{}, kernelerr.New(kernelerr.CodeResourceNotFound, kernelerr.CategoryUser,
			"file not found: %s", path)
	}
	return FileInfo{Path: path, Size: int64(len(data))}, nil
}

func (h *MemHost) FileWrite(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.files[path] = cp
	return nil
}

func (h *MemHost) FileDelete(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.files[path]; !ok {
		return kernelerr.New(kernelerr.CodeResourceNotFound, kernelerr.CategoryUser,
			"file not found: %s", path)
	}
	delete(h.files, path)
	return nil
}

func (h *MemHost) NetOpen(_ context.Context, endpoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open[endpoint] = true
	return nil
}

func (h *MemHost) NetClose(_ context.Context, endpoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open[endpoint] {
		return kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryUser,
			"endpoint not open: %s", endpoint)
	}
	delete(h.open, endpoint)
	return nil
}

func (h *MemHost) NetSend(_ context.Context, endpoint string, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open[endpoint] {
		return 0, kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryUser,
			"endpoint not open: %s", endpoint)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.sent[endpoint] = append(h.sent[endpoint], cp)
	return len(data), nil
}

// NetFetch echoes the last payload sent to the endpoint.
func (h *MemHost) NetFetch(_ context.Context, endpoint string) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.open[endpoint] {
		return nil, kernelerr.New(kernelerr.CodeInvalidState, kernelerr.CategoryUser,
			"endpoint not open: %s", endpoint)
	}
	msgs := h.sent[endpoint]
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	out := make([]byte, len(last))
	copy(out, last)
	return out, nil
}

// Sent returns payloads delivered to an endpoint, for assertions.
func (h *MemHost) Sent(endpoint string) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sent[endpoint]
}

func (h *MemHost) db(name string) (*sql.DB, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	db, ok := h.dbs[name]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeResourceNotFound, kernelerr.CategoryUser,
			"no database registered as %q", name)
	}
	return db, nil
}

func (h *MemHost) DBQuery(ctx context.Context, name, query string, args ...any) ([]map[string]any, error) {
	db, err := h.db(name)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.CodeInternal, kernelerr.CategoryResource,
			"query %q failed", name)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (h *MemHost) DBExec(ctx context.Context, name, statement string, args ...any) (int64, error) {
	db, err := h.db(name)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, kernelerr.Wrap(err, kernelerr.CodeInternal, kernelerr.CategoryResource,
			"exec %q failed", name)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
