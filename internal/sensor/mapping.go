package sensor

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
)

const (
	pinsPerChip = 16
	baseAddress = 0x20
	maxPin      = pinsPerChip - 1
)

// Zone generates Count consecutive sensors starting at FirstSensor.
type Zone struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Count       int    `yaml:"count"`
	FirstSensor int    `yaml:"first_sensor"`
}

// Entry is one wired sensor.
type Entry struct {
	Address string `yaml:"addr"` // derived from Chip when empty
	Chip    int    `yaml:"chip"`
	Pin     int    `yaml:"pin"`
	Sensor  int    `yaml:"sensor"`
	Locker  string `yaml:"locker"`
	Zone    string `yaml:"zone"`
}

// Layout is the source of a Mapping. Entries replace generated sensors
// with the same number.
type Layout struct {
	Zones   []Zone  `yaml:"zones"`
	Entries []Entry `yaml:"entries"`
}

// LoadLayout reads a YAML layout file.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Layout{}, fmt.Errorf("reading sensor layout: %w", err)
	}
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("parsing sensor layout: %w", err)
	}
	return l, nil
}

// Build generates the zones, applies the explicit entries and validates the
// result.
func (l Layout) Build() (*Mapping, error) {
	bySensor := make(map[int]Entry)
	for _, z := range l.Zones {
		entries, err := z.generate()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, dup := bySensor[e.Sensor]; dup {
				return nil, fmt.Errorf("%w: zone %s overlaps sensor %d", ErrDuplicate, z.Prefix, e.Sensor)
			}
			bySensor[e.Sensor] = e
		}
	}

	explicit := make(map[int]bool, len(l.Entries))
	for _, e := range l.Entries {
		if explicit[e.Sensor] {
			return nil, fmt.Errorf("%w: sensor %d listed twice", ErrDuplicate, e.Sensor)
		}
		explicit[e.Sensor] = true
		bySensor[e.Sensor] = e
	}

	entries := make([]Entry, 0, len(bySensor))
	for _, e := range bySensor {
		entries = append(entries, e)
	}
	return NewMapping(entries)
}

func (z Zone) generate() ([]Entry, error) {
	if z.Prefix == "" || z.Count <= 0 || z.FirstSensor <= 0 {
		return nil, fmt.Errorf("%w: zone %q needs prefix, count and first_sensor", ErrInvalidEntry, z.Name)
	}
	name := z.Name
	if name == "" {
		name = z.Prefix
	}

	entries := make([]Entry, 0, z.Count)
	for i := 1; i <= z.Count; i++ {
		n := z.FirstSensor + i - 1
		chip := (n - 1) / pinsPerChip
		entries = append(entries, Entry{
			Address: chipAddress(chip),
			Chip:    chip,
			Pin:     (n - 1) % pinsPerChip,
			Sensor:  n,
			Locker:  fmt.Sprintf("%s%02d", z.Prefix, i),
			Zone:    name,
		})
	}
	return entries, nil
}

func chipAddress(chip int) string {
	return fmt.Sprintf("0x%02x", baseAddress+chip%8)
}

type chipPin struct {
	chip, pin int
}

// Mapping is an immutable bijection between expander coordinates, sensor
// numbers and lockers. It is safe for concurrent use.
type Mapping struct {
	entries  []Entry
	byCoord  map[chipPin]int
	bySensor map[int]int
	byLocker map[string]int
}

// NewMapping validates entries and indexes them. Any duplicate sensor,
// coordinate or locker fails the whole load.
func NewMapping(entries []Entry) (*Mapping, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sensor < sorted[j].Sensor })

	m := &Mapping{
		entries:  sorted,
		byCoord:  make(map[chipPin]int, len(sorted)),
		bySensor: make(map[int]int, len(sorted)),
		byLocker: make(map[string]int, len(sorted)),
	}

	var errs []error
	for i := range m.entries {
		e := &m.entries[i]
		if e.Address == "" {
			e.Address = chipAddress(e.Chip)
		} else {
			e.Address = protocol.NormalizeAddress(e.Address)
		}

		switch {
		case e.Sensor <= 0:
			errs = append(errs, fmt.Errorf("%w: sensor number %d", ErrInvalidEntry, e.Sensor))
			continue
		case e.Chip < 0 || e.Pin < 0 || e.Pin > maxPin:
			errs = append(errs, fmt.Errorf("%w: sensor %d at chip %d pin %d", ErrInvalidEntry, e.Sensor, e.Chip, e.Pin))
			continue
		case e.Locker == "":
			errs = append(errs, fmt.Errorf("%w: sensor %d has no locker", ErrInvalidEntry, e.Sensor))
			continue
		}

		cp := chipPin{e.Chip, e.Pin}
		if j, dup := m.byCoord[cp]; dup {
			errs = append(errs, fmt.Errorf("%w: chip %d pin %d used by sensors %d and %d", ErrDuplicate, e.Chip, e.Pin, m.entries[j].Sensor, e.Sensor))
			continue
		}
		if _, dup := m.bySensor[e.Sensor]; dup {
			errs = append(errs, fmt.Errorf("%w: sensor %d", ErrDuplicate, e.Sensor))
			continue
		}
		if j, dup := m.byLocker[e.Locker]; dup {
			errs = append(errs, fmt.Errorf("%w: locker %s on sensors %d and %d", ErrDuplicate, e.Locker, m.entries[j].Sensor, e.Sensor))
			continue
		}
		m.byCoord[cp] = i
		m.bySensor[e.Sensor] = i
		m.byLocker[e.Locker] = i
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// ByCoordinate finds the sensor at chip and pin. A non-empty addr must match
// the entry's address.
func (m *Mapping) ByCoordinate(addr string, chip, pin int) (Entry, bool) {
	i, ok := m.byCoord[chipPin{chip, pin}]
	if !ok {
		return Entry{}, false
	}
	e := m.entries[i]
	if addr != "" && protocol.NormalizeAddress(addr) != e.Address {
		return Entry{}, false
	}
	return e, true
}

// BySensor finds a sensor by number.
func (m *Mapping) BySensor(n int) (Entry, bool) {
	i, ok := m.bySensor[n]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// ByLocker finds the sensor of a locker.
func (m *Mapping) ByLocker(locker string) (Entry, bool) {
	i, ok := m.byLocker[locker]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Entries returns all entries ordered by sensor number.
func (m *Mapping) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of mapped sensors.
func (m *Mapping) Len() int {
	return len(m.entries)
}
