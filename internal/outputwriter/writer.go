// Package outputwriter streams CrawledRecords into one or more
// pretty-printed JSON-array segment files, splitting on a byte cap and a
// GPT-style token cap.
package outputwriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/crawlkeeper/crawlkeeper/internal/model"
)

// encodingName is the tiktoken encoding used for the token cap. cl100k_base
// is the GPT-3.5/4 family encoding; init loads it through
// tiktoken.GetEncoding, and this package registers no embedded ranks.
const encodingName = "cl100k_base"

var tokenEncoder *tiktoken.Tiktoken

func init() {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// Fall back to a rune-count approximation if the encoding
		// tables are unavailable (e.g. offline with no cache);
		// Writer tolerates a nil encoder.
		tokenEncoder = nil
		return
	}
	tokenEncoder = enc
}

func countTokens(s string) int {
	if tokenEncoder == nil {
		return len([]rune(s)) / 4
	}
	return len(tokenEncoder.Encode(s, nil, nil))
}

// Writer segments a stream of CrawledRecords into byte/token-capped
// pretty-printed JSON array files under basePath.
type Writer struct {
	basePath        string
	maxFileSizeMB   int // 0 = unlimited
	maxTokens       int // 0 = unlimited
	tokensUnlimited bool
	bytesUnlimited  bool

	segments    []segment
	cur         []model.CrawledRecord
	curBytes    int
	curTokens   int
	estOversize int // adaptive heuristic carry-over, see Add
}

type segment struct {
	records []model.CrawledRecord
}

// New creates a Writer. maxFileSizeMB <= 0 disables the byte cap.
// maxTokens <= 0 or unlimitedTokens disables the token cap.
func New(basePath string, maxFileSizeMB int, maxTokens int, unlimitedTokens bool) *Writer {
	return &Writer{
		basePath:        basePath,
		maxFileSizeMB:   maxFileSizeMB,
		maxTokens:       maxTokens,
		tokensUnlimited: unlimitedTokens || maxTokens <= 0,
		bytesUnlimited:  maxFileSizeMB <= 0,
	}
}

// Add appends one record to the current segment, rolling over to a new
// segment when either cap would be exceeded.
func (w *Writer) Add(rec model.CrawledRecord) error {
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outputwriter: marshal record: %w", err)
	}
	recTokens := w.estOversize
	if recTokens == 0 {
		recTokens = countTokens(string(recBytes))
	}
	w.estOversize = 0

	// Oversized single record: flush whatever is pending, then open a
	// fresh batch containing only this record with its token estimate
	// halved rather than left at its true (over-cap) value — an adaptive
	// heuristic preserved for output compatibility. The batch stays open
	// afterward so later records can still land in it instead of each
	// starting their own segment.
	if !w.tokensUnlimited && recTokens > w.maxTokens {
		if len(w.cur) > 0 {
			w.rollSegment()
		}
		w.cur = append(w.cur, rec)
		w.curBytes = len(recBytes)
		w.curTokens = recTokens / 2
		return nil
	}

	exceedsBytes := !w.bytesUnlimited && w.curBytes+len(recBytes) > w.maxFileSizeMB*1024*1024 && len(w.cur) > 0
	exceedsTokens := !w.tokensUnlimited && w.curTokens+recTokens > w.maxTokens && len(w.cur) > 0

	if exceedsBytes || exceedsTokens {
		w.rollSegment()
	}

	w.cur = append(w.cur, rec)
	w.curBytes += len(recBytes)
	w.curTokens += recTokens
	return nil
}

func (w *Writer) rollSegment() {
	w.segments = append(w.segments, segment{records: w.cur})
	w.cur = nil
	w.curBytes = 0
	w.curTokens = 0
}

// Flush finalizes pending records into a segment and writes every
// segment to disk, returning the list of files written in order.
func (w *Writer) Flush() ([]string, error) {
	if len(w.cur) > 0 {
		w.rollSegment()
	}
	if len(w.segments) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(w.basePath), 0o755); err != nil {
		return nil, fmt.Errorf("outputwriter: create output dir: %w", err)
	}

	paths := make([]string, 0, len(w.segments))
	for i, seg := range w.segments {
		path := w.basePath
		if len(w.segments) > 1 {
			path = segmentPath(w.basePath, i+1)
		}
		if err := writeJSONArray(path, seg.records); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// segmentPath computes "{basePath-without-.json}-{n}.json".
func segmentPath(basePath string, n int) string {
	ext := filepath.Ext(basePath)
	if ext == "" {
		return fmt.Sprintf("%s-%d", basePath, n)
	}
	trimmed := strings.TrimSuffix(basePath, ext)
	return fmt.Sprintf("%s-%d%s", trimmed, n, ext)
}

func writeJSONArray(path string, records []model.CrawledRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("outputwriter: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("outputwriter: encode %s: %w", path, err)
	}
	return nil
}
