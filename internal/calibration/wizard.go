package calibration

import (
	"math"

	"github.com/sirupsen/logrus"
)

// StickWizard learns a stick's center, half-range, and octagon gate from a
// stream of raw samples: per-axis min/max tracking for the center and
// ranges, plus the farthest sample seen in each of eight 45-degree sectors
// for the gate.
type StickWizard struct {
	log *logrus.Entry

	active bool

	xMin, xMax, yMin, yMax int
	sampleCount            int
	xSum, ySum             int

	sectorFar    [8]Point
	sectorFarSet [8]bool
}

// NewStickWizard returns an idle wizard ready to Start.
func NewStickWizard(log *logrus.Entry) *StickWizard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StickWizard{log: log}
}

// Start begins a fresh calibration pass, discarding any prior samples.
func (w *StickWizard) Start() {
	w.active = true
	w.xMin, w.yMin = 255, 255
	w.xMax, w.yMax = 0, 0
	w.sampleCount, w.xSum, w.ySum = 0, 0, 0
	w.sectorFarSet = [8]bool{}
	w.log.Debug("stick calibration started")
}

// Active reports whether a calibration pass is in progress.
func (w *StickWizard) Active() bool { return w.active }

// Feed records one raw sample while a pass is active. No-op otherwise.
func (w *StickWizard) Feed(rawX, rawY int) {
	if !w.active {
		return
	}
	w.sampleCount++
	w.xSum += rawX
	w.ySum += rawY
	if rawX < w.xMin {
		w.xMin = rawX
	}
	if rawX > w.xMax {
		w.xMax = rawX
	}
	if rawY < w.yMin {
		w.yMin = rawY
	}
	if rawY > w.yMax {
		w.yMax = rawY
	}

	// Track the farthest sample seen in each of the eight 45-degree sectors,
	// measured from the running centroid.
	if w.sampleCount == 0 {
		return
	}
	cx := float64(w.xSum) / float64(w.sampleCount)
	cy := float64(w.ySum) / float64(w.sampleCount)
	dx, dy := float64(rawX)-cx, float64(rawY)-cy
	dist := math.Hypot(dx, dy)
	if dist == 0 {
		return
	}
	angle := math.Atan2(dy, dx)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	sector := int(angle / (math.Pi / 4))
	if sector > 7 {
		sector = 7
	}
	if !w.sectorFarSet[sector] || dist > math.Hypot(w.sectorFar[sector].X, w.sectorFar[sector].Y) {
		w.sectorFar[sector] = Point{X: dx, Y: dy}
		w.sectorFarSet[sector] = true
	}
}

// Finish ends the pass and computes the resulting Stick calibration:
// center as the midpoint of the observed (min,max) per axis, half-ranges as
// the resulting offsets, and the octagon as the per-sector farthest extents
// normalized by those half-ranges.
func (w *StickWizard) Finish() Stick {
	w.active = false

	cx := (w.xMin + w.xMax) / 2
	cy := (w.yMin + w.yMax) / 2
	rx := w.xMax - cx
	ry := w.yMax - cy
	if rx <= 0 {
		rx = DefaultStick.RangeX
	}
	if ry <= 0 {
		ry = DefaultStick.RangeY
	}

	var oct [8]Point
	for i := 0; i < 8; i++ {
		if !w.sectorFarSet[i] {
			oct[i] = DefaultOctagon[i]
			continue
		}
		oct[i] = Point{
			X: clampUnit(w.sectorFar[i].X / float64(rx)),
			Y: clampUnit(w.sectorFar[i].Y / float64(ry)),
		}
	}

	result := Stick{CenterX: cx, CenterY: cy, RangeX: rx, RangeY: ry, Octagon: oct}
	w.log.WithFields(logrus.Fields{
		"center_x": cx, "center_y": cy, "range_x": rx, "range_y": ry,
	}).Info("stick calibration complete")
	return result
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// TriggerStep identifies a step of the three-step trigger wizard.
type TriggerStep int

const (
	TriggerStepRest TriggerStep = iota
	TriggerStepBump
	TriggerStepMax
	triggerStepDone
)

// TriggerStepInfo is returned by Advance to drive an external UI: it names
// the step the wizard has moved on to, the button the user should press/hold next, and
// a human status line. A nil *TriggerStepInfo from Advance means the wizard
// is done.
type TriggerStepInfo struct {
	Step        TriggerStep
	ButtonLabel string
	StatusText  string
}

// TriggerWizard runs the three-step base/bump/max capture wizard: resting
// value, first hard stop, fully pressed.
type TriggerWizard struct {
	log  *logrus.Entry
	step TriggerStep

	base, bump, max int
	lastSample      int
}

// NewTriggerWizard returns a wizard starting at TriggerStepRest.
func NewTriggerWizard(log *logrus.Entry) *TriggerWizard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TriggerWizard{log: log, step: TriggerStepRest}
}

// Feed records the current raw trigger sample for the active step.
func (w *TriggerWizard) Feed(raw int) {
	w.lastSample = raw
}

// Advance captures the current step's sample and moves to the next step,
// returning the new step's info, or nil when the wizard has completed all
// three steps.
func (w *TriggerWizard) Advance() *TriggerStepInfo {
	switch w.step {
	case TriggerStepRest:
		w.base = w.lastSample
		w.step = TriggerStepBump
		w.log.WithField("base", w.base).Debug("trigger calibration: rest captured")
		return &TriggerStepInfo{
			Step:        TriggerStepBump,
			ButtonLabel: "trigger (press to first hard stop)",
			StatusText:  "Press the trigger to the bump (first hard stop)",
		}
	case TriggerStepBump:
		w.bump = w.lastSample
		w.step = TriggerStepMax
		w.log.WithField("bump", w.bump).Debug("trigger calibration: bump captured")
		return &TriggerStepInfo{
			Step:        TriggerStepMax,
			ButtonLabel: "trigger (press fully)",
			StatusText:  "Press the trigger all the way down",
		}
	case TriggerStepMax:
		w.max = w.lastSample
		w.step = triggerStepDone
		w.log.WithField("max", w.max).Info("trigger calibration complete")
		return nil
	default:
		return nil
	}
}

// Result returns the captured Trigger once Advance has reached completion.
// bump100 selects whether the resulting Trigger saturates at bump or max.
func (w *TriggerWizard) Result(bump100 bool) Trigger {
	return Trigger{Base: w.base, Bump: w.bump, Max: w.max, Bump100Percent: bump100}
}

// Done reports whether all three steps have been captured.
func (w *TriggerWizard) Done() bool {
	return w.step == triggerStepDone
}
