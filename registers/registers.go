// Package registers holds the command coils and counter words of the
// simulated barrier controller.
package registers

import (
	"fmt"
	"sync"
)

type Region int

const (
	Coils Region = iota
	CounterWords
)

func (r Region) String() string {
	switch r {
	case Coils:
		return "coils"
	case CounterWords:
		return "counter words"
	}
	return fmt.Sprintf("Region(%d)", int(r))
}

// Coil addresses.
const (
	OpenCmd = iota
	CloseCmd
	StopCmd
	Spare

	NumCoils
)

// Counter word addresses.
const (
	CounterHigh = iota
	CounterLow

	NumCounterWords
)

// MaxCounter is the largest value the console accepts for the counter.
// The two-word encoding was laid out for byte-sized words, so clients that
// read each word as a byte only see values up to 65535 correctly.
const MaxCounter = 1<<24 - 1

// RangeError reports an access outside a region.
type RangeError struct {
	Region  Region
	Address int
	Count   int
	Size    int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: address %d count %d outside [0, %d)", e.Region, e.Address, e.Count, e.Size)
}

func checkRange(region Region, address, count, size int) error {
	if address < 0 || count < 1 || address+count > size {
		return &RangeError{Region: region, Address: address, Count: count, Size: size}
	}
	return nil
}

// Store is safe for concurrent use. Each region has its own lock.
type Store struct {
	coilMu sync.Mutex
	coils  [NumCoils]bool

	wordMu sync.Mutex
	words  [NumCounterWords]uint16
}

func New(counter uint32) *Store {
	s := &Store{}
	s.words = EncodeCounter(counter)
	return s
}

// EncodeCounter splits v into (v >> 8, v & 0xFF).
func EncodeCounter(v uint32) [NumCounterWords]uint16 {
	return [NumCounterWords]uint16{uint16(v >> 8), uint16(v & 0xFF)}
}

func DecodeCounter(words [NumCounterWords]uint16) uint32 {
	return uint32(words[CounterHigh])<<8 | uint32(words[CounterLow])
}

func (s *Store) ReadCoils(address, count int) ([]bool, error) {
	if err := checkRange(Coils, address, count, NumCoils); err != nil {
		return nil, err
	}
	s.coilMu.Lock()
	defer s.coilMu.Unlock()
	out := make([]bool, count)
	copy(out, s.coils[address:address+count])
	return out, nil
}

func (s *Store) WriteCoils(address int, values ...bool) error {
	if err := checkRange(Coils, address, len(values), NumCoils); err != nil {
		return err
	}
	s.coilMu.Lock()
	defer s.coilMu.Unlock()
	copy(s.coils[address:], values)
	return nil
}

// Pulse sets a single command coil. The model clears it once consumed.
func (s *Store) Pulse(coil int) error {
	return s.WriteCoils(coil, true)
}

// UpdateCoils calls fn with the live coils while holding the coil lock.
func (s *Store) UpdateCoils(fn func(coils []bool)) {
	s.coilMu.Lock()
	defer s.coilMu.Unlock()
	fn(s.coils[:])
}

func (s *Store) ReadWords(address, count int) ([]uint16, error) {
	if err := checkRange(CounterWords, address, count, NumCounterWords); err != nil {
		return nil, err
	}
	s.wordMu.Lock()
	defer s.wordMu.Unlock()
	out := make([]uint16, count)
	copy(out, s.words[address:address+count])
	return out, nil
}

func (s *Store) WriteWords(address int, values ...uint16) error {
	if err := checkRange(CounterWords, address, len(values), NumCounterWords); err != nil {
		return err
	}
	s.wordMu.Lock()
	defer s.wordMu.Unlock()
	copy(s.words[address:], values)
	return nil
}

func (s *Store) Counter() uint32 {
	s.wordMu.Lock()
	defer s.wordMu.Unlock()
	return DecodeCounter(s.words)
}

func (s *Store) SetCounter(v uint32) {
	words := EncodeCounter(v)
	s.wordMu.Lock()
	defer s.wordMu.Unlock()
	s.words = words
}

// Read and Write dispatch on region. Coil values are 0 or 1.
func (s *Store) Read(region Region, address, count int) ([]uint16, error) {
	switch region {
	case Coils:
		bits, err := s.ReadCoils(address, count)
		if err != nil {
			return nil, err
		}
		out := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				out[i] = 1
			}
		}
		return out, nil
	case CounterWords:
		return s.ReadWords(address, count)
	}
	return nil, fmt.Errorf("unknown region %v", region)
}

func (s *Store) Write(region Region, address int, values []uint16) error {
	switch region {
	case Coils:
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		return s.WriteCoils(address, bits...)
	case CounterWords:
		return s.WriteWords(address, values...)
	}
	return fmt.Errorf("unknown region %v", region)
}
