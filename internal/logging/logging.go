// Package logging configures the process-wide apex/log logger for the
// shardset binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// EnvLevel overrides the level passed to Init when set.
const EnvLevel = "SHARDSET_LOG"

// Init installs a Handler writing to stderr and sets the level. The
// SHARDSET_LOG env variable wins over level; an empty result means "info".
func Init(level string) error {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	log.SetHandler(NewHandler(os.Stderr))
	log.SetLevel(lvl)
	return nil
}

// Handler writes one line per entry: time, level initial, message and the
// entry's fields sorted by name.
type Handler struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewHandler returns a Handler writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w, now: time.Now}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	b.WriteString(h.now().Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(e.Level.String()[:1]))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
