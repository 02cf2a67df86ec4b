package gcode

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// StreamingFileThreshold is the line count above which Load switches from
// holding the whole job in memory to indexing a temp file on disk and
// seeking within it, keeping memory bounded for large jobs.
const StreamingFileThreshold = 50000

// Line is one dispatch entry of a loaded job. A single input line that
// needed the split pass produces several Lines sharing one OrigLine.
type Line struct {
	Index    int    // 0-based position in the processed, dispatch-ordered job
	OrigLine int    // 1-based line number in the original input file
	Raw      string // original input text for OrigLine, comments and all
	Clean    string // the exact bytes to write to the Link; "" if this entry carries nothing to send
}

// Source is a loaded, validated, indexed job a Streaming Controller can
// read from any starting line. Two concrete implementations exist:
// inMemory for small jobs, streamingFile for large ones.
type Source interface {
	// Len returns the total number of lines in the job.
	Len() int
	// Line returns the line at i, or an error if i is out of range or a
	// seek/read against backing storage fails.
	Line(i int) (Line, error)
	// Close releases any backing file.
	Close() error
}

// processedLine is one fully-processed dispatch entry, produced by
// processJob before being committed to either an inMemory or
// streamingFile Source.
type processedLine struct {
	origLine int
	raw      string
	clean    string
}

// processJob runs every load step (spec.md §4.B) on raws in order:
// clean/strip (step 2), reject "$"-prefixed system commands (step 3),
// compact (step 4), and split any linear move compaction still leaves
// over MaxLineLength (step 5), rejecting whatever neither pass can fit
// (step 6). Blank/comment-only lines keep a single placeholder entry
// (clean=="") so OrigLine numbering stays stable even though nothing is
// dispatched for them; a split line instead produces several entries
// sharing one OrigLine, so error reporting can still name the line the
// operator actually wrote.
func processJob(raws []string) ([]processedLine, error) {
	snap := defaultSnapshot()
	out := make([]processedLine, 0, len(raws))

	for i, raw := range raws {
		origLine := i + 1
		clean := Clean(raw)
		if clean == "" {
			out = append(out, processedLine{origLine: origLine, raw: raw})
			continue
		}
		if !isASCIILine(clean) {
			return nil, &LoadError{Kind: NonAscii, Line: origLine,
				Err: fmt.Errorf("gcode: non-ASCII byte in line %q", clean)}
		}
		if strings.HasPrefix(clean, "$") {
			return nil, &LoadError{Kind: SystemCommandInJob, Line: origLine,
				Err: fmt.Errorf("gcode: system command %q not allowed in a job file", clean)}
		}

		compacted := Compact(clean)
		var dispatch []string
		switch {
		case len(compacted)+1 <= MaxLineLength:
			dispatch = []string{compacted}
		case splittable(Words(compacted), snap.FeedMode):
			dispatch = splitLine(Words(compacted), snap, MaxLineLength)
		default:
			// Always LineTooLong here (that's why we're in this branch);
			// routing it through Validate keeps this case consistent with
			// the per-segment validation below instead of hand-rolling a
			// second error shape for the same underlying condition.
			verr := Validate(compacted)
			return nil, &LoadError{Kind: loadKindFor(verr), Line: origLine, Err: verr}
		}

		for _, d := range dispatch {
			if err := Validate(d); err != nil {
				return nil, &LoadError{Kind: loadKindFor(err), Line: origLine, Err: err}
			}
		}
		for _, d := range dispatch {
			out = append(out, processedLine{origLine: origLine, raw: raw, clean: d})
		}
		applyLine(&snap, compacted)
	}
	return out, nil
}

// inMemory holds every line of a small job as a slice.
type inMemory struct{ lines []Line }

func (s *inMemory) Len() int { return len(s.lines) }
func (s *inMemory) Line(i int) (Line, error) {
	if i < 0 || i >= len(s.lines) {
		return Line{}, fmt.Errorf("gcode: line %d out of range (0..%d)", i, len(s.lines)-1)
	}
	return s.lines[i], nil
}
func (s *inMemory) Close() error { return nil }

func newInMemory(lines []processedLine) *inMemory {
	out := make([]Line, len(lines))
	for i, l := range lines {
		out[i] = Line{Index: i, OrigLine: l.origLine, Raw: l.raw, Clean: l.clean}
	}
	return &inMemory{lines: out}
}

// streamingFile holds a line-offset index into a backing temp file
// instead of materializing every line, for jobs above
// StreamingFileThreshold lines. To keep the whole point of streaming
// mode (bounded memory/disk for huge jobs), only the final dispatch
// text is persisted — the pre-compaction original text is not retained,
// so Raw and Clean read back identical for a streamingFile entry.
type streamingFile struct {
	f        *os.File
	offsets  []int64 // byte offset of each line's start
	lens     []int   // byte length of each line, LF excluded
	origLine []int   // 1-based original file line number per entry
}

func newStreamingFile(lines []processedLine) (*streamingFile, error) {
	f, err := os.CreateTemp("", "grblhost-job-*.txt")
	if err != nil {
		return nil, fmt.Errorf("gcode: create backing temp file: %w", err)
	}
	s := &streamingFile{
		f:        f,
		offsets:  make([]int64, len(lines)),
		lens:     make([]int, len(lines)),
		origLine: make([]int, len(lines)),
	}
	var off int64
	w := bufio.NewWriter(f)
	for i, l := range lines {
		s.offsets[i] = off
		s.lens[i] = len(l.clean)
		s.origLine[i] = l.origLine
		n, err := w.WriteString(l.clean)
		if err == nil {
			err = w.WriteByte('\n')
			n++
		}
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("gcode: write backing temp file: %w", err)
		}
		off += int64(n)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("gcode: flush backing temp file: %w", err)
	}
	return s, nil
}

func (s *streamingFile) Len() int { return len(s.offsets) }

func (s *streamingFile) Line(i int) (Line, error) {
	if i < 0 || i >= len(s.offsets) {
		return Line{}, fmt.Errorf("gcode: line %d out of range (0..%d)", i, len(s.offsets)-1)
	}
	buf := make([]byte, s.lens[i])
	if len(buf) > 0 {
		if _, err := s.f.ReadAt(buf, s.offsets[i]); err != nil {
			return Line{}, fmt.Errorf("gcode: read backing file at line %d: %w", i, err)
		}
	}
	text := string(buf)
	return Line{Index: i, OrigLine: s.origLine[i], Raw: text, Clean: text}, nil
}

func (s *streamingFile) Close() error {
	if s.f == nil {
		return nil
	}
	name := s.f.Name()
	err := s.f.Close()
	os.Remove(name)
	return err
}

// Load reads every line of r (already opened by the caller, path used
// only in the read-error message), runs it
// through processJob, and returns an indexed Source.
func Load(path string, r *bufio.Scanner) (Source, error) {
	var raws []string
	for r.Scan() {
		raws = append(raws, r.Text())
	}
	if err := r.Err(); err != nil {
		return nil, &LoadError{Kind: IoError, Err: fmt.Errorf("read %s: %w", path, err)}
	}

	lines, err := processJob(raws)
	if err != nil {
		return nil, err
	}

	if len(lines) <= StreamingFileThreshold {
		return newInMemory(lines), nil
	}

	src, err := newStreamingFile(lines)
	if err != nil {
		return nil, &LoadError{Kind: NotWritableForTemp, Err: err}
	}
	return src, nil
}

// LoadLines builds a Source directly from an in-memory slice of raw
// lines, used by tests and by callers that already have the text (e.g.
// a macro body) rather than a file on disk.
func LoadLines(raws []string) (Source, error) {
	lines, err := processJob(raws)
	if err != nil {
		return nil, err
	}
	return newInMemory(lines), nil
}
