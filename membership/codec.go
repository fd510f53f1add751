package membership

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Snapshot layout (big endian):
//
//	filter:  "PHMF" version:u8 family:u8 hashes:u16 ndims:u8 dims:u32*ndims
//	         saltlen:u16 salt words:u32 bits:u64*words
//	layered: "PHML" version:u8 levels:u16 (len:u32 filter)*levels
var (
	filterMagic  = []byte("PHMF")
	layeredMagic = []byte("PHML")
)

const snapshotVersion = 1

// MarshalBinary encodes the configuration and lattice bits.
func (f *Filter) MarshalBinary() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var buf bytes.Buffer
	buf.Write(filterMagic)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(byte(f.cfg.Family))
	write(&buf, uint16(f.cfg.NumHashes))
	buf.WriteByte(byte(len(f.cfg.Dimensions)))
	for _, d := range f.cfg.Dimensions {
		write(&buf, uint32(d))
	}
	if len(f.cfg.Salt) > 0xffff {
		return nil, fmt.Errorf("%w: salt longer than 65535 bytes", ErrInvalidConfig)
	}
	write(&buf, uint16(len(f.cfg.Salt)))
	buf.WriteString(f.cfg.Salt)
	write(&buf, uint32(len(f.bits)))
	write(&buf, f.bits)
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the filter with a decoded snapshot.
func (f *Filter) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	g, err := readFilter(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, r.Len())
	}
	f.mu.Lock()
	f.cfg, f.cells, f.bits = g.cfg, g.cells, g.bits
	f.mu.Unlock()
	return nil
}

func readFilter(r *bytes.Reader) (*Filter, error) {
	if err := expectHeader(r, filterMagic); err != nil {
		return nil, err
	}
	var (
		family uint8
		hashes uint16
		ndims  uint8
	)
	if err := read(r, &family, &hashes, &ndims); err != nil {
		return nil, err
	}
	dims32 := make([]uint32, ndims)
	if err := read(r, dims32); err != nil {
		return nil, err
	}
	var saltLen uint16
	if err := read(r, &saltLen); err != nil {
		return nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrCorruptSnapshot, err)
	}

	cfg := Config{
		Dimensions: make([]int, ndims),
		NumHashes:  int(hashes),
		Family:     HashFamily(family),
		Salt:       string(salt),
	}
	for i, d := range dims32 {
		cfg.Dimensions[i] = int(d)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	cells := 1
	for _, d := range cfg.Dimensions {
		cells *= d
	}
	if need := 4 + 8*((cells+63)/64); r.Len() < need {
		return nil, fmt.Errorf("%w: %d bytes left, lattice needs %d", ErrCorruptSnapshot, r.Len(), need)
	}
	f, err := NewFilter(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	var words uint32
	if err := read(r, &words); err != nil {
		return nil, err
	}
	if int(words) != len(f.bits) {
		return nil, fmt.Errorf("%w: %d words for %d cells", ErrCorruptSnapshot, words, f.cells)
	}
	if err := read(r, f.bits); err != nil {
		return nil, err
	}
	if tail := f.cells % 64; tail != 0 && f.bits[len(f.bits)-1]>>tail != 0 {
		return nil, fmt.Errorf("%w: bits set beyond lattice", ErrCorruptSnapshot)
	}
	return f, nil
}

// MarshalBinary encodes every level.
func (l *Layered) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(layeredMagic)
	buf.WriteByte(snapshotVersion)
	write(&buf, uint16(len(l.levels)))
	for _, f := range l.levels {
		b, err := f.MarshalBinary()
		if err != nil {
			return nil, err
		}
		write(&buf, uint32(len(b)))
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces all levels with a decoded snapshot.
func (l *Layered) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if err := expectHeader(r, layeredMagic); err != nil {
		return err
	}
	var n uint16
	if err := read(r, &n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no levels", ErrCorruptSnapshot)
	}
	levels := make([]*Filter, n)
	for i := range levels {
		var size uint32
		if err := read(r, &size); err != nil {
			return err
		}
		if int64(size) > int64(r.Len()) {
			return fmt.Errorf("%w: level %d truncated", ErrCorruptSnapshot, i)
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("%w: level %d: %v", ErrCorruptSnapshot, i, err)
		}
		f := new(Filter)
		if err := f.UnmarshalBinary(chunk); err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		levels[i] = f
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, r.Len())
	}
	l.levels = levels
	return nil
}

func expectHeader(r *bytes.Reader, magic []byte) error {
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptSnapshot, err)
	}
	if !bytes.Equal(head[:len(magic)], magic) {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, head[:len(magic)])
	}
	if head[len(magic)] != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, head[len(magic)])
	}
	return nil
}

func write(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.BigEndian, v)
}

func read(r io.Reader, vs ...any) error {
	for _, v := range vs {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}
	return nil
}
