// Package macro implements the bracket-expression macro scripting
// language described in SPEC_FULL.md §4.H: directive lines
// (%wait/%msg/%update/%if/%state_return), inline [expr] substitution
// against a typed variable map, and the freshness-stamp based wait
// helpers. It is a deliberately narrow Go reimplementation of
// macro_parser.py's bcnc_compile_line/bcnc_evaluate_line, which compiled
// and exec'd arbitrary Python; this sender only ever needs arithmetic
// over MacroVars; see DESIGN.md for why full scripting is out of scope.
package macro

import "sync"

// Vars is the macro scripting environment's variable map, grounded on
// macro_state.py's macro_vars dict: modal-state mirrors the macro
// executor snapshots/restores around a run, plus the two freshness-stamp
// counters %update/$G waits poll.
type Vars struct {
	mu sync.Mutex
	m  map[string]float64
	s  map[string]string
}

// NewVars builds an empty variable map seeded with the modal defaults a
// freshly connected machine reports.
func NewVars() *Vars {
	v := &Vars{m: map[string]float64{}, s: map[string]string{}}
	v.SetString("units", "G21")
	v.SetString("wcs", "G54")
	v.SetString("plane", "G17")
	v.SetString("distance", "G90")
	v.SetString("feedmode", "G94")
	v.SetString("spindle", "M5")
	v.SetString("coolant", "")
	v.SetBool("running", false)
	v.SetBool("paused", false)
	return v
}

func (v *Vars) Set(name string, val float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[name] = val
}

func (v *Vars) Get(name string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.m[name]
	return f, ok
}

func (v *Vars) SetBool(name string, val bool) {
	var f float64
	if val {
		f = 1
	}
	v.Set(name, f)
}

func (v *Vars) Bool(name string) bool {
	f, _ := v.Get(name)
	return f != 0
}

func (v *Vars) SetString(name, val string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s[name] = val
}

func (v *Vars) String(name string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.s[name]
}

// Bump increments a named sequence counter and returns the new value;
// used for the "_modal_seq"/"_status_seq" freshness stamps.
func (v *Vars) Bump(name string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[name]++
	return v.m[name]
}

// Seq returns the current value of a named sequence counter.
func (v *Vars) Seq(name string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m[name]
}

// ModalSnapshot is the subset of Vars the macro executor saves before a
// run and can restore after, grounded on macro_state.py's
// snapshot_macro_state.
type ModalSnapshot struct {
	WCS, Plane, Units, Distance, FeedMode, Spindle, Coolant string
}

// Snapshot captures the current modal-mirror strings.
func (v *Vars) Snapshot() ModalSnapshot {
	return ModalSnapshot{
		WCS:      v.String("wcs"),
		Plane:    v.String("plane"),
		Units:    v.String("units"),
		Distance: v.String("distance"),
		FeedMode: v.String("feedmode"),
		Spindle:  v.String("spindle"),
		Coolant:  v.String("coolant"),
	}
}

// Restore writes a previously captured ModalSnapshot back.
func (v *Vars) Restore(s ModalSnapshot) {
	v.SetString("wcs", s.WCS)
	v.SetString("plane", s.Plane)
	v.SetString("units", s.Units)
	v.SetString("distance", s.Distance)
	v.SetString("feedmode", s.FeedMode)
	v.SetString("spindle", s.Spindle)
	v.SetString("coolant", s.Coolant)
}

// RestoreTokens returns the non-empty fields of s in send order; the
// executor joins them with spaces into one G-code line, the way
// macro_restore_state sends one combined line instead of one per modal
// group.
func (s ModalSnapshot) RestoreTokens() []string {
	var out []string
	for _, tok := range []string{s.WCS, s.Plane, s.Units, s.Distance, s.FeedMode, s.Spindle, s.Coolant} {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
