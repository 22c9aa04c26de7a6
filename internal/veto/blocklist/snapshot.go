package blocklist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"
)

// Snapshot wire format, all integers big-endian:
//
//	magic "VETO" | version u8 | count u32
//	per entry: family u8 (4|6) | address bytes (4|16) |
//	           rule length u16 | rule UTF-8 | expires-at i64 unix seconds
var snapshotMagic = [4]byte{'V', 'E', 'T', 'O'}

const snapshotVersion = 1

// ErrSnapshotDecode indicates a missing field, bad magic, or unknown
// version while reading a snapshot. Corrupt snapshots are discarded, never
// fatal.
var ErrSnapshotDecode = errors.New("snapshot decode failed")

const (
	familyV4 = 4
	familyV6 = 6
)

// EncodeSnapshot writes entries to w in the snapshot wire format.
func EncodeSnapshot(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(snapshotVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}

	for _, e := range entries {
		addr := e.Addr.Unmap()
		if addr.Is4() {
			raw := addr.As4()
			if err := bw.WriteByte(familyV4); err != nil {
				return err
			}
			if _, err := bw.Write(raw[:]); err != nil {
				return err
			}
		} else {
			raw := addr.As16()
			if err := bw.WriteByte(familyV6); err != nil {
				return err
			}
			if _, err := bw.Write(raw[:]); err != nil {
				return err
			}
		}

		if len(e.Rule) > int(^uint16(0)) {
			return fmt.Errorf("rule name too long: %d bytes", len(e.Rule))
		}
		if err := binary.Write(bw, binary.BigEndian, uint16(len(e.Rule))); err != nil {
			return err
		}
		if _, err := bw.WriteString(e.Rule); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, e.ExpiresAt.Unix()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeSnapshot reads entries from r. Any structural problem yields
// ErrSnapshotDecode.
func DecodeSnapshot(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrSnapshotDecode, err)
	}
	if !bytes.Equal(magic[:], snapshotMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrSnapshotDecode, magic)
	}

	version, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrSnapshotDecode, err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrSnapshotDecode, version)
	}

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: reading count: %v", ErrSnapshotDecode, err)
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, err := decodeEntry(br)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrSnapshotDecode, i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeEntry(br *bufio.Reader) (Entry, error) {
	family, err := br.ReadByte()
	if err != nil {
		return Entry{}, err
	}

	var addr netip.Addr
	switch family {
	case familyV4:
		var raw [4]byte
		if _, err := io.ReadFull(br, raw[:]); err != nil {
			return Entry{}, err
		}
		addr = netip.AddrFrom4(raw)
	case familyV6:
		var raw [16]byte
		if _, err := io.ReadFull(br, raw[:]); err != nil {
			return Entry{}, err
		}
		addr = netip.AddrFrom16(raw)
	default:
		return Entry{}, fmt.Errorf("unknown address family %d", family)
	}

	var ruleLen uint16
	if err := binary.Read(br, binary.BigEndian, &ruleLen); err != nil {
		return Entry{}, err
	}
	rule := make([]byte, ruleLen)
	if _, err := io.ReadFull(br, rule); err != nil {
		return Entry{}, err
	}

	var expires int64
	if err := binary.Read(br, binary.BigEndian, &expires); err != nil {
		return Entry{}, err
	}

	return Entry{
		Addr:      addr,
		Rule:      string(rule),
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}, nil
}

// WriteSnapshotFile writes entries to path atomically (temp file + rename).
func WriteSnapshotFile(path string, entries []Entry) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blocklist-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := EncodeSnapshot(tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadSnapshotFile reads a snapshot from path. A missing file is reported
// via os.IsNotExist on the returned error.
func ReadSnapshotFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeSnapshot(f)
}
