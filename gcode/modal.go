package gcode

import "fmt"

// Snapshot is the machine's modal state as of some point in a job,
// tracked the way parse_gcode_lines walks G/M words, but projected onto
// the modal groups the resume planner cares about instead of 3D geometry.
type Snapshot struct {
	Units    string // "G20" or "G21"
	Distance string // "G90" or "G91"
	Plane    string // "G17", "G18", "G19"
	ArcDist  string // "G90.1" or "G91.1"
	FeedMode string // "G93", "G94", "G95"
	WCS      string // "G54".."G59"
	Spindle  string // "M3", "M4", or "M5"
	Coolant  []string

	// G92Offset is the G92 work-origin shift, zero-valued if no G92 has
	// been applied or it has been cleared by G92.1. G92.2 keeps the stored
	// offset and only clears G92Active.
	G92Offset  [3]float64
	G92Active  bool

	X, Y, Z float64 // last commanded position, in machine-native units
}

// defaultSnapshot is GRBL's power-on modal state.
func defaultSnapshot() Snapshot {
	return Snapshot{
		Units:    "G21",
		Distance: "G90",
		Plane:    "G17",
		ArcDist:  "G91.1",
		FeedMode: "G94",
		WCS:      "G54",
		Spindle:  "M5",
		Coolant:  nil,
	}
}

// Scan walks lines[0:upTo] (upTo exclusive) tracking modal state the way
// gcode_parser.py's parse_gcode_lines does, and returns the snapshot as
// of just before line upTo. It is used to compute a resume preamble when
// starting a job partway through.
func Scan(src Source, upTo int) (Snapshot, error) {
	snap := defaultSnapshot()
	if upTo > src.Len() {
		upTo = src.Len()
	}
	for i := 0; i < upTo; i++ {
		line, err := src.Line(i)
		if err != nil {
			return snap, fmt.Errorf("gcode: scan line %d: %w", i, err)
		}
		if line.Clean == "" {
			continue
		}
		applyLine(&snap, line.Clean)
	}
	return snap, nil
}

func applyLine(snap *Snapshot, clean string) {
	words := Words(clean)

	switch {
	case HasG(words, 20):
		snap.Units = "G20"
	case HasG(words, 21):
		snap.Units = "G21"
	}
	switch {
	case HasG(words, 90):
		snap.Distance = "G90"
	case HasG(words, 91):
		snap.Distance = "G91"
	}
	switch {
	case HasG(words, 17):
		snap.Plane = "G17"
	case HasG(words, 18):
		snap.Plane = "G18"
	case HasG(words, 19):
		snap.Plane = "G19"
	}
	switch {
	case HasG(words, 90.1):
		snap.ArcDist = "G90.1"
	case HasG(words, 91.1):
		snap.ArcDist = "G91.1"
	}
	switch {
	case HasG(words, 93):
		snap.FeedMode = "G93"
	case HasG(words, 94):
		snap.FeedMode = "G94"
	case HasG(words, 95):
		snap.FeedMode = "G95"
	}
	for code := 54.0; code <= 59.0; code++ {
		if HasG(words, code) {
			snap.WCS = fmt.Sprintf("G%.0f", code)
		}
	}
	switch {
	case HasM(words, 3):
		snap.Spindle = "M3"
	case HasM(words, 4):
		snap.Spindle = "M4"
	case HasM(words, 5):
		snap.Spindle = "M5"
	}
	switch {
	case HasM(words, 7):
		snap.Coolant = addCoolant(snap.Coolant, "M7")
	case HasM(words, 8):
		snap.Coolant = addCoolant(snap.Coolant, "M8")
	case HasM(words, 9):
		snap.Coolant = nil
	}

	switch {
	case HasG(words, 92):
		var dx, dy, dz float64
		var hasX, hasY, hasZ bool
		for _, w := range words {
			switch w.Letter {
			case 'X':
				dx, hasX = w.Value, true
			case 'Y':
				dy, hasY = w.Value, true
			case 'Z':
				dz, hasZ = w.Value, true
			}
		}
		// G92 defines the offset as (current position - programmed
		// value) for each axis present; axes omitted keep their prior
		// offset component, matching GRBL firmware semantics.
		if hasX {
			snap.G92Offset[0] = snap.X - dx
		}
		if hasY {
			snap.G92Offset[1] = snap.Y - dy
		}
		if hasZ {
			snap.G92Offset[2] = snap.Z - dz
		}
		snap.G92Active = true
	case HasG(words, 92.1):
		snap.G92Offset = [3]float64{}
		snap.G92Active = false
	case HasG(words, 92.2):
		snap.G92Active = false
	case HasG(words, 92.3):
		snap.G92Active = true
	}

	applyMotion(snap, words)
}

func applyMotion(snap *Snapshot, words []Word) {
	absolute := snap.Distance == "G90"
	var nx, ny, nz = snap.X, snap.Y, snap.Z
	var hasAxis bool
	for _, w := range words {
		switch w.Letter {
		case 'X':
			hasAxis = true
			if absolute {
				nx = w.Value
			} else {
				nx = snap.X + w.Value
			}
		case 'Y':
			hasAxis = true
			if absolute {
				ny = w.Value
			} else {
				ny = snap.Y + w.Value
			}
		case 'Z':
			hasAxis = true
			if absolute {
				nz = w.Value
			} else {
				nz = snap.Z + w.Value
			}
		}
	}
	if hasAxis {
		snap.X, snap.Y, snap.Z = nx, ny, nz
	}
}

func addCoolant(list []string, code string) []string {
	for _, c := range list {
		if c == code {
			return list
		}
	}
	return append(list, code)
}

// Preamble renders the G-code lines that re-establish snap on a
// controller, for use as the header of a resume-from-line job: one line
// per modal group that differs from GRBL's power-on default, so the
// shortest correct preamble is sent.
func Preamble(snap Snapshot) []string {
	def := defaultSnapshot()
	var lines []string
	add := func(cur, zero string) {
		if cur != zero {
			lines = append(lines, cur)
		}
	}
	add(snap.Units, def.Units)
	add(snap.Distance, def.Distance)
	add(snap.Plane, def.Plane)
	add(snap.ArcDist, def.ArcDist)
	add(snap.FeedMode, def.FeedMode)
	add(snap.WCS, def.WCS)
	add(snap.Spindle, def.Spindle)
	for _, c := range snap.Coolant {
		lines = append(lines, c)
	}
	if snap.G92Active && (snap.G92Offset != [3]float64{}) {
		lines = append(lines, fmt.Sprintf("G92X%.4fY%.4fZ%.4f",
			snap.X-snap.G92Offset[0], snap.Y-snap.G92Offset[1], snap.Z-snap.G92Offset[2]))
	}
	return lines
}
