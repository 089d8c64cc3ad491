// Package settings loads and persists controller calibration across runs,
// migrating older on-disk shapes forward: v1 (one flat calibration object)
// to v2 (per-slot objects plus a global section) to the current v3 (BLE
// per-device calibration lives only in the global registry).
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/calibration"
	"github.com/dalmatheo/gc-controller/internal/gcerr"
)

// FileName is the settings file's fixed name within the settings directory.
const FileName = "gc_controller_settings.json"

const currentVersion = 3

// EmulationMode selects which virtual-pad backend a slot targets.
type EmulationMode string

const (
	EmulationXbox360     EmulationMode = "xbox360"
	EmulationDolphinPipe EmulationMode = "dolphin_pipe"
	EmulationDSU         EmulationMode = "dsu"
)

// SlotCalibration is the per-slot persisted calibration shape.
type SlotCalibration struct {
	LeftStick  calibration.Stick
	RightStick calibration.Stick

	TriggerLeft  calibration.Trigger
	TriggerRight calibration.Trigger
}

// Global holds the process-wide flags that are not per-slot. These live
// under the top-level "global" object on disk. TriggerBump100Percent is also
// mirrored onto slot 0's trigger calibration so consumers that only read
// slot 0 still observe it; the other fields have no slot-level copy.
type Global struct {
	AutoConnect           bool
	EmulationMode         EmulationMode
	TriggerBump100Percent bool
	KnownBLEDevices       map[string]SlotCalibration // keyed by uppercase MAC
}

// Store is the full in-memory settings document: one SlotCalibration per
// slot plus the Global flags.
type Store struct {
	log *logrus.Entry

	dir string

	Global Global
	Slots  [4]SlotCalibration
}

// New returns a Store with every slot at default calibration, rooted at dir
// (typically the process's working directory).
func New(dir string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		log: log,
		dir: dir,
		Global: Global{
			EmulationMode:   EmulationDolphinPipe,
			KnownBLEDevices: map[string]SlotCalibration{},
		},
	}
	for i := range s.Slots {
		s.Slots[i] = defaultSlotCalibration()
	}
	return s
}

func defaultSlotCalibration() SlotCalibration {
	return SlotCalibration{
		LeftStick:    calibration.DefaultStick,
		RightStick:   calibration.DefaultStick,
		TriggerLeft:  calibration.DefaultTrigger,
		TriggerRight: calibration.DefaultTrigger,
	}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the settings file if present, migrating it forward as needed.
// Any error is returned as a persistence error (read and parse failures are
// also logged here); working state is left at its current (default) values.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.log.WithError(err).Warn("failed to read settings file")
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.WithError(err).Warn("failed to parse settings file")
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}

	version := detectVersion(raw)
	s.log.WithField("version", version).Debug("loading settings")

	// Migrate into a copy so a failure part-way through leaves s untouched.
	next := *s
	switch version {
	case 1:
		if err := next.loadV1(raw); err != nil {
			return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
		}
	case 2, 3:
		if err := next.loadV2OrV3(raw); err != nil {
			return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
		}
	default:
		return fmt.Errorf("%w: unrecognized settings version %d", gcerr.ErrPersistence, version)
	}

	*s = next
	s.mirrorGlobalsOntoSlotZero()
	return nil
}

func detectVersion(raw map[string]json.RawMessage) int {
	v, ok := raw["version"]
	if !ok {
		return 1
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil {
		return 1
	}
	return n
}

// loadV1 handles the flat single-calibration shape: one calibration object
// at top level, applied to slot 0 only; slots 1-3 stay at defaults.
func (s *Store) loadV1(raw map[string]json.RawMessage) error {
	migrateFlatKeys(raw)

	cal := SlotCalibration{}
	var fields flatFields
	if err := unmarshalInto(raw, &fields); err != nil {
		return err
	}
	cal.LeftStick = fields.leftStick()
	cal.RightStick = fields.rightStick()
	cal.TriggerLeft = calibration.Trigger{
		Base: fields.TriggerLeftBase, Bump: fields.TriggerLeftBump, Max: fields.TriggerLeftMax,
		Bump100Percent: fields.TriggerBump100Percent,
	}
	cal.TriggerRight = calibration.Trigger{
		Base: fields.TriggerRightBase, Bump: fields.TriggerRightBump, Max: fields.TriggerRightMax,
		Bump100Percent: fields.TriggerBump100Percent,
	}
	if cal.LeftStick.RangeX == 0 {
		cal.LeftStick = calibration.DefaultStick
	}
	if cal.RightStick.RangeX == 0 {
		cal.RightStick = calibration.DefaultStick
	}
	s.Slots[0] = cal
	s.Global.AutoConnect = fields.AutoConnect
	s.Global.TriggerBump100Percent = fields.TriggerBump100Percent
	if fields.EmulationMode != "" {
		s.Global.EmulationMode = EmulationMode(fields.EmulationMode)
	}
	return nil
}

// migrateFlatKeys applies the v1 key renames in place.
func migrateFlatKeys(raw map[string]json.RawMessage) {
	renames := map[string]string{
		"left_base":        "trigger_left_base",
		"left_bump":        "trigger_left_bump",
		"left_max":         "trigger_left_max",
		"right_base":       "trigger_right_base",
		"right_bump":       "trigger_right_bump",
		"right_max":        "trigger_right_max",
		"bump_100_percent": "trigger_bump_100_percent",
	}
	for old, next := range renames {
		if v, ok := raw[old]; ok {
			if _, exists := raw[next]; !exists {
				raw[next] = v
			}
			delete(raw, old)
		}
	}
}

type flatFields struct {
	LXCenter, LXRange, LYCenter, LYRange int
	RXCenter, RXRange, RYCenter, RYRange int

	TriggerLeftBase, TriggerLeftBump, TriggerLeftMax    int
	TriggerRightBase, TriggerRightBump, TriggerRightMax int
	TriggerBump100Percent                               bool

	AutoConnect   bool
	EmulationMode string
}

func (f flatFields) leftStick() calibration.Stick {
	if f.LXRange == 0 && f.LYRange == 0 {
		return calibration.DefaultStick
	}
	return calibration.Stick{
		CenterX: f.LXCenter, CenterY: f.LYCenter,
		RangeX: f.LXRange, RangeY: f.LYRange,
		Octagon: calibration.DefaultOctagon,
	}
}

func (f flatFields) rightStick() calibration.Stick {
	if f.RXRange == 0 && f.RYRange == 0 {
		return calibration.DefaultStick
	}
	return calibration.Stick{
		CenterX: f.RXCenter, CenterY: f.RYCenter,
		RangeX: f.RXRange, RangeY: f.RYRange,
		Octagon: calibration.DefaultOctagon,
	}
}

func unmarshalInto(raw map[string]json.RawMessage, dst *flatFields) error {
	wrapped, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	type wire struct {
		LXCenter int `json:"lx_center"`
		LXRange  int `json:"lx_range"`
		LYCenter int `json:"ly_center"`
		LYRange  int `json:"ly_range"`
		RXCenter int `json:"rx_center"`
		RXRange  int `json:"rx_range"`
		RYCenter int `json:"ry_center"`
		RYRange  int `json:"ry_range"`

		TriggerLeftBase  int `json:"trigger_left_base"`
		TriggerLeftBump  int `json:"trigger_left_bump"`
		TriggerLeftMax   int `json:"trigger_left_max"`
		TriggerRightBase int `json:"trigger_right_base"`
		TriggerRightBump int `json:"trigger_right_bump"`
		TriggerRightMax  int `json:"trigger_right_max"`

		TriggerBump100Percent bool   `json:"trigger_bump_100_percent"`
		AutoConnect           bool   `json:"auto_connect"`
		EmulationMode         string `json:"emulation_mode"`
	}
	var w wire
	if err := json.Unmarshal(wrapped, &w); err != nil {
		return err
	}
	dst.LXCenter, dst.LXRange = w.LXCenter, w.LXRange
	dst.LYCenter, dst.LYRange = w.LYCenter, w.LYRange
	dst.RXCenter, dst.RXRange = w.RXCenter, w.RXRange
	dst.RYCenter, dst.RYRange = w.RYCenter, w.RYRange
	dst.TriggerLeftBase, dst.TriggerLeftBump, dst.TriggerLeftMax = w.TriggerLeftBase, w.TriggerLeftBump, w.TriggerLeftMax
	dst.TriggerRightBase, dst.TriggerRightBump, dst.TriggerRightMax = w.TriggerRightBase, w.TriggerRightBump, w.TriggerRightMax
	dst.TriggerBump100Percent = w.TriggerBump100Percent
	dst.AutoConnect = w.AutoConnect
	dst.EmulationMode = w.EmulationMode
	return nil
}

// wireDocument is the v2/v3 on-disk shape: {version, global, slots}.
type wireDocument struct {
	Version int                        `json:"version"`
	Global  map[string]json.RawMessage `json:"global"`
	Slots   map[string]json.RawMessage `json:"slots"`
}

type wireGlobal struct {
	AutoConnect           bool                   `json:"auto_connect"`
	EmulationMode         string                 `json:"emulation_mode"`
	TriggerBump100Percent bool                   `json:"trigger_bump_100_percent"`
	KnownBLEDevices       map[string]wireSlotCal `json:"known_ble_devices"`
	KnownBLEAddresses     []string               `json:"known_ble_addresses"` // v2 legacy
}

type wireSlotCal struct {
	LeftStick  wireStick `json:"left_stick"`
	RightStick wireStick `json:"right_stick"`

	TriggerLeftBase  int `json:"trigger_left_base"`
	TriggerLeftBump  int `json:"trigger_left_bump"`
	TriggerLeftMax   int `json:"trigger_left_max"`
	TriggerRightBase int `json:"trigger_right_base"`
	TriggerRightBump int `json:"trigger_right_bump"`
	TriggerRightMax  int `json:"trigger_right_max"`

	PreferredBLEAddress string `json:"preferred_ble_address"` // v2 legacy, folded away on save
}

type wireStick struct {
	CenterX int           `json:"center_x"`
	CenterY int           `json:"center_y"`
	RangeX  int           `json:"range_x"`
	RangeY  int           `json:"range_y"`
	Octagon [8][2]float64 `json:"octagon"`
}

func (w wireStick) toStick() calibration.Stick {
	if w.RangeX == 0 && w.RangeY == 0 {
		return calibration.DefaultStick
	}
	s := calibration.Stick{CenterX: w.CenterX, CenterY: w.CenterY, RangeX: w.RangeX, RangeY: w.RangeY}
	for i, pt := range w.Octagon {
		s.Octagon[i] = calibration.Point{X: pt[0], Y: pt[1]}
	}
	return s
}

func fromStick(s calibration.Stick) wireStick {
	w := wireStick{CenterX: s.CenterX, CenterY: s.CenterY, RangeX: s.RangeX, RangeY: s.RangeY}
	for i, pt := range s.Octagon {
		w.Octagon[i] = [2]float64{pt.X, pt.Y}
	}
	return w
}

func (w wireSlotCal) toSlotCalibration() SlotCalibration {
	return SlotCalibration{
		LeftStick:  w.LeftStick.toStick(),
		RightStick: w.RightStick.toStick(),
		TriggerLeft: calibration.Trigger{
			Base: w.TriggerLeftBase, Bump: w.TriggerLeftBump, Max: w.TriggerLeftMax,
		},
		TriggerRight: calibration.Trigger{
			Base: w.TriggerRightBase, Bump: w.TriggerRightBump, Max: w.TriggerRightMax,
		},
	}
}

func fromSlotCalibration(c SlotCalibration) wireSlotCal {
	return wireSlotCal{
		LeftStick:        fromStick(c.LeftStick),
		RightStick:       fromStick(c.RightStick),
		TriggerLeftBase:  c.TriggerLeft.Base,
		TriggerLeftBump:  c.TriggerLeft.Bump,
		TriggerLeftMax:   c.TriggerLeft.Max,
		TriggerRightBase: c.TriggerRight.Base,
		TriggerRightBump: c.TriggerRight.Bump,
		TriggerRightMax:  c.TriggerRight.Max,
	}
}

// loadV2OrV3 handles both the v2 slotted shape (which may still carry
// per-slot preferred_ble_address / the legacy known_ble_addresses list) and
// the current v3 shape, folding any v2-only fields into the global
// known_ble_devices map.
func (s *Store) loadV2OrV3(raw map[string]json.RawMessage) error {
	var doc wireDocument
	full, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(full, &doc); err != nil {
		return err
	}

	var g wireGlobal
	if doc.Global != nil {
		gb, _ := json.Marshal(doc.Global)
		if err := json.Unmarshal(gb, &g); err != nil {
			return err
		}
	}

	s.Global.AutoConnect = g.AutoConnect
	s.Global.TriggerBump100Percent = g.TriggerBump100Percent
	if g.EmulationMode != "" {
		s.Global.EmulationMode = EmulationMode(g.EmulationMode)
	}
	s.Global.KnownBLEDevices = map[string]SlotCalibration{}
	for mac, cal := range g.KnownBLEDevices {
		s.Global.KnownBLEDevices[strings.ToUpper(mac)] = cal.toSlotCalibration()
	}
	// Fold the legacy flat address list in with empty calibration entries.
	for _, mac := range g.KnownBLEAddresses {
		key := strings.ToUpper(mac)
		if _, exists := s.Global.KnownBLEDevices[key]; !exists {
			s.Global.KnownBLEDevices[key] = defaultSlotCalibration()
		}
	}

	for idx := 0; idx < 4; idx++ {
		key := strconv.Itoa(idx)
		raw, ok := doc.Slots[key]
		if !ok {
			s.Slots[idx] = defaultSlotCalibration()
			continue
		}
		var w wireSlotCal
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		s.Slots[idx] = w.toSlotCalibration()

		// Fold a v2 per-slot preferred_ble_address + its calibration into
		// the global known-devices map, keyed by uppercased address.
		if w.PreferredBLEAddress != "" {
			key := strings.ToUpper(w.PreferredBLEAddress)
			if _, exists := s.Global.KnownBLEDevices[key]; !exists {
				s.Global.KnownBLEDevices[key] = w.toSlotCalibration()
			}
		}
	}
	return nil
}

// mirrorGlobalsOntoSlotZero ensures consumers that only read slot 0's
// calibration still observe the global flags.
func (s *Store) mirrorGlobalsOntoSlotZero() {
	s.Slots[0].TriggerLeft.Bump100Percent = s.Global.TriggerBump100Percent
	s.Slots[0].TriggerRight.Bump100Percent = s.Global.TriggerBump100Percent
}

// Save always writes the current v3 shape, atomically (write to a temp file
// in the same directory, then rename).
func (s *Store) Save() error {
	doc := struct {
		Version int                    `json:"version"`
		Global  map[string]interface{} `json:"global"`
		Slots   map[string]wireSlotCal `json:"slots"`
	}{
		Version: currentVersion,
		Global: map[string]interface{}{
			"auto_connect":             s.Global.AutoConnect,
			"emulation_mode":           string(s.Global.EmulationMode),
			"trigger_bump_100_percent": s.Global.TriggerBump100Percent,
			"known_ble_devices":        knownDevicesForSave(s.Global.KnownBLEDevices),
		},
		Slots: map[string]wireSlotCal{},
	}
	for i, slot := range s.Slots {
		doc.Slots[strconv.Itoa(i)] = fromSlotCalibration(slot)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		s.log.WithError(err).Error("failed to save settings")
		return fmt.Errorf("%w: %v", gcerr.ErrPersistence, err)
	}
	s.log.Debug("settings saved")
	return nil
}

func knownDevicesForSave(m map[string]SlotCalibration) map[string]wireSlotCal {
	out := make(map[string]wireSlotCal, len(m))
	for mac, cal := range m {
		out[strings.ToUpper(mac)] = fromSlotCalibration(cal)
	}
	return out
}
