package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Record tags, per the on-disk format.
const (
	tagMemoryAccess byte = 0
	tagFunction     byte = 1
	tagBblExec      byte = 2
	tagBblTranslate byte = 3
)

// maxInstructions bounds the icount field of a BblTranslate record so a
// corrupt file cannot force a multi-gigabyte allocation before the codec
// ever touches the underlying reader. A legitimate basic block translated by
// the emulator never approaches this many instructions.
const maxInstructions = 1 << 20

// TruncatedRecordError is returned when EOF (or an icount that cannot
// possibly fit in a sane record) is encountered partway through a record.
// It is a fatal, per-file format error: the caller should stop decoding
// this file and move on to the next.
type TruncatedRecordError struct {
	Tag byte
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("trace: truncated record (tag=%d)", e.Tag)
}

// UnknownTagError is returned when a record's leading tag byte does not
// match any of the four known record shapes. It is a fatal, per-file
// format error.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("trace: unknown tag %d", e.Tag)
}

// Decoder decodes a single binary dump file into a lazy, single-pass
// sequence of [Event] values. Create one with [NewDecoder]; call [Decoder.Next]
// repeatedly until it returns io.EOF. The Decoder owns no file handle itself
// — the caller is responsible for closing the underlying reader when done.
type Decoder struct {
	r   io.Reader
	buf [4]byte
}

// NewDecoder wraps r (typically a buffered *os.File) in a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next decodes and returns the next event in the stream. It returns io.EOF
// (and a nil Event) when the stream ends cleanly at a record boundary. Any
// other error is fatal for this file: [*TruncatedRecordError] when EOF (or an
// implausible icount) is hit mid-record, [*UnknownTagError] for an
// unrecognized tag byte, or a wrapped I/O error for anything else.
func (d *Decoder) Next() (Event, error) {
	tag, err := d.readByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("trace: read tag: %w", err)
	}

	switch tag {
	case tagMemoryAccess:
		return d.decodeMemoryAccess(tag)
	case tagFunction:
		return d.decodeFunction(tag)
	case tagBblExec:
		return d.decodeBblExec(tag)
	case tagBblTranslate:
		return d.decodeBblTranslate(tag)
	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}

func (d *Decoder) readByte() (byte, error) {
	_, err := io.ReadFull(d.r, d.buf[:1])
	return d.buf[0], err
}

func (d *Decoder) readU32(tag byte) (uint32, error) {
	if _, err := io.ReadFull(d.r, d.buf[:4]); err != nil {
		return 0, &TruncatedRecordError{Tag: tag}
	}
	return binary.LittleEndian.Uint32(d.buf[:4]), nil
}

func (d *Decoder) decodeMemoryAccess(tag byte) (Event, error) {
	address, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	value, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	opts, err := d.readByte()
	if err != nil {
		return nil, &TruncatedRecordError{Tag: tag}
	}
	return MemoryAccess{
		Address:  address,
		Value:    value,
		SizeBits: opts >> 1,
		IsWrite:  opts&1 != 0,
	}, nil
}

func (d *Decoder) decodeFunction(tag byte) (Event, error) {
	eip, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	callType, err := d.readByte()
	if err != nil {
		return nil, &TruncatedRecordError{Tag: tag}
	}
	kind := Call
	if callType != 0 {
		kind = Return
	}
	return Function{EIP: eip, Kind: kind}, nil
}

func (d *Decoder) decodeBblExec(tag byte) (Event, error) {
	addr, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	return BblExec{Addr: addr}, nil
}

// decodeBblTranslate decodes the on-disk order icount,total,mov,addr,
// followed by icount 32-bit instruction-class ids, per §4.2.
func (d *Decoder) decodeBblTranslate(tag byte) (Event, error) {
	icount, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	if icount > maxInstructions {
		return nil, &TruncatedRecordError{Tag: tag}
	}
	total, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	mov, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}
	addr, err := d.readU32(tag)
	if err != nil {
		return nil, err
	}

	instructions := make([]InsnClass, icount)
	for i := range instructions {
		raw, err := d.readU32(tag)
		if err != nil {
			return nil, err
		}
		instructions[i] = insnClassFromWire(raw)
	}

	return BblTranslate{
		Addr:         addr,
		Instructions: instructions,
		TotalCount:   total,
		MovCount:     mov,
	}, nil
}

// Encoder writes Event values in the binary dump format Decoder reads back.
// It exists primarily to support round-trip testing of the codec, but is
// exported since it is also a convenient way to produce synthetic fixtures.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w in an Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode appends ev to the stream in the on-disk binary format.
func (e *Encoder) Encode(ev Event) error {
	switch v := ev.(type) {
	case MemoryAccess:
		opts := (v.SizeBits << 1)
		if v.IsWrite {
			opts |= 1
		}
		return e.write(tagMemoryAccess, func(w io.Writer) error {
			if err := writeU32(w, v.Address); err != nil {
				return err
			}
			if err := writeU32(w, v.Value); err != nil {
				return err
			}
			_, err := w.Write([]byte{opts})
			return err
		})
	case Function:
		return e.write(tagFunction, func(w io.Writer) error {
			if err := writeU32(w, v.EIP); err != nil {
				return err
			}
			callType := byte(0)
			if v.Kind == Return {
				callType = 1
			}
			_, err := w.Write([]byte{callType})
			return err
		})
	case BblExec:
		return e.write(tagBblExec, func(w io.Writer) error {
			return writeU32(w, v.Addr)
		})
	case BblTranslate:
		return e.write(tagBblTranslate, func(w io.Writer) error {
			if err := writeU32(w, uint32(len(v.Instructions))); err != nil {
				return err
			}
			if err := writeU32(w, v.TotalCount); err != nil {
				return err
			}
			if err := writeU32(w, v.MovCount); err != nil {
				return err
			}
			if err := writeU32(w, v.Addr); err != nil {
				return err
			}
			for _, insn := range v.Instructions {
				if err := writeU32(w, uint32(insn)); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("trace: encode: unsupported event type %T", ev)
	}
}

func (e *Encoder) write(tag byte, body func(io.Writer) error) error {
	if _, err := e.w.Write([]byte{tag}); err != nil {
		return err
	}
	return body(e.w)
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
