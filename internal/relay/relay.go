// Package relay speaks the greentea key/value protocol: every message is a
// single "{{key;value}}" token. Results go to the orchestrator on stdout and
// device events arrive on stdin in the same framing.
package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Keys sent to the orchestrator.
const (
	KeyDiscovered   = "discovered"
	KeyConnected    = "connected"
	KeyDisconnected = "disconnected"
	KeyExpect       = "expect"
	KeyReceived     = "received"
	KeyFinished     = "finished"
)

// KeyHostTestName is the control event that names the suite to run.
const KeyHostTestName = "__host_test_name"

// Sentinel values.
const (
	// NotFound is the single value reported when a peripheral could not be located.
	NotFound = "--NOTFOUND--"
	// Timeout marks a wait window that expired without data.
	Timeout = "--TIMEOUT--"
	// Busy is the reply to a request rejected because the radio queue is full.
	Busy = "--BUSY--"
)

// ErrInvalidKey is returned for keys that cannot be framed.
var ErrInvalidKey = errors.New("invalid relay key")

var eventPattern = regexp.MustCompile(`\{\{([^;{}\r\n]+);([^{}\r\n]*)\}\}`)

// Relay is the result channel back to the orchestrator.
type Relay interface {
	Send(key, value string) error
}

// Event is one decoded key/value pair.
type Event struct {
	Key   string
	Value string
}

func (e Event) String() string {
	return Encode(e.Key, e.Value)
}

// IsControl reports greentea bookkeeping events ("__sync", "__timeout", ...).
func (e Event) IsControl() bool {
	return strings.HasPrefix(e.Key, "__")
}

// Encode frames a pair without validation; see Writer.Send for the checked path.
func Encode(key, value string) string {
	return "{{" + key + ";" + value + "}}"
}

// ValidateKey rejects keys that would break the framing.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsAny(key, ";{}\r\n") {
		return fmt.Errorf("%w: %q contains framing characters", ErrInvalidKey, key)
	}
	return nil
}

// SanitizeValue maps characters that would break the framing to neighbours
// the orchestrator can still read and replaces other control characters with '.'.
func SanitizeValue(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '{':
			return '('
		case r == '}':
			return ')'
		case r == '\n', r == '\r', r == '\t':
			return ' '
		case !unicode.IsPrint(r):
			return '.'
		}
		return r
	}, value)
}

// Writer sends framed pairs, one per line. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	logger *logrus.Logger
}

// NewWriter creates a Writer on w, typically os.Stdout.
func NewWriter(w io.Writer, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{w: w, logger: logger}
}

// Send writes {{key;value}} followed by a newline.
func (w *Writer) Send(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	clean := SanitizeValue(value)
	if clean != value {
		w.logger.WithFields(logrus.Fields{
			"key":   key,
			"value": value,
		}).Debug("Relay value sanitized")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, Encode(key, clean)+"\n"); err != nil {
		return fmt.Errorf("failed to relay %s: %w", key, err)
	}
	w.logger.WithFields(logrus.Fields{
		"key":   key,
		"value": clean,
	}).Debug("Relayed")
	return nil
}

// Reader decodes events from a line-oriented stream. Text around the
// tokens (serial noise, firmware printf output) is skipped.
type Reader struct {
	scanner *bufio.Scanner
	pending []Event
}

// NewReader creates a Reader over r, typically os.Stdin.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("failed to read events: %w", err)
			}
			return Event{}, io.EOF
		}
		for _, m := range eventPattern.FindAllStringSubmatch(r.scanner.Text(), -1) {
			r.pending = append(r.pending, Event{Key: m[1], Value: m[2]})
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
