// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package trace reads, writes, generates and replays allocation traces.
//
// A trace file starts with a four lines header (suggested heap size,
// number of ids, number of operations, weight) followed by one operation
// per line:
//
//	a <id> <size>   allocate size bytes for id
//	r <id> <size>   reallocate id to size bytes
//	f <id>          free id
//
// Empty lines and lines starting with '#' are ignored.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrSyntax  = errors.New("trace: syntax error")
	ErrHeader  = errors.New("trace: bad header")
	ErrBadID   = errors.New("trace: id out of range")
	ErrOpCount = errors.New("trace: operation count mismatch")
)

// ParseError is a Parse failure at a given trace line.
type ParseError struct {
	Line int
	Err  error // one of the Err* sentinels
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v: %s", e.Line, e.Err, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// OpKind is the operation type, the trace letter.
type OpKind byte

const (
	OpAlloc   OpKind = 'a'
	OpRealloc OpKind = 'r'
	OpFree    OpKind = 'f'
)

func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "alloc"
	case OpRealloc:
		return "realloc"
	case OpFree:
		return "free"
	}
	return "op(" + strconv.Itoa(int(k)) + ")"
}

// Op is one trace operation. Size is unused for OpFree.
type Op struct {
	Kind OpKind
	ID   int
	Size uint64
}

func (o Op) String() string {
	if o.Kind == OpFree {
		return fmt.Sprintf("%c %d", o.Kind, o.ID)
	}
	return fmt.Sprintf("%c %d %d", o.Kind, o.ID, o.Size)
}

// Trace is a parsed trace.
type Trace struct {
	Name          string // usually the file name, not stored in the file
	SuggestedHeap uint64
	NumIDs        int
	Weight        int
	Ops           []Op
}

// Parse reads a whole trace from r.
// It checks the header, the operations syntax, the ids range and the
// number of operations.
func Parse(r io.Reader) (*Trace, error) {
	sc := bufio.NewScanner(r)
	line := 0
	fail := func(err error, f string, a ...interface{}) error {
		return &ParseError{Line: line, Err: err, Msg: fmt.Sprintf(f, a...)}
	}

	var hdr [4]uint64
	n := 0
	t := &Trace{}
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' {
			continue
		}
		if n < len(hdr) {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				return nil, fail(ErrHeader, "header field %d: %q", n+1, s)
			}
			hdr[n] = v
			n++
			if n == len(hdr) {
				if hdr[1] > 1<<31 || hdr[2] > 1<<31 || hdr[3] > 1<<31 {
					return nil, fail(ErrHeader, "header values too big")
				}
				t.SuggestedHeap = hdr[0]
				t.NumIDs = int(hdr[1])
				t.Weight = int(hdr[3])
				t.Ops = make([]Op, 0, min(hdr[2], 1<<20))
			}
			continue
		}
		op, err := parseOp(s)
		if err != nil {
			return nil, fail(ErrSyntax, "%v", err)
		}
		if op.ID < 0 || op.ID >= t.NumIDs {
			return nil, fail(ErrBadID, "id %d, %d ids", op.ID, t.NumIDs)
		}
		t.Ops = append(t.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trace: read: %w", err)
	}
	if n < len(hdr) {
		return nil, fail(ErrHeader, "incomplete header (%d fields)", n)
	}
	if uint64(len(t.Ops)) != hdr[2] {
		return nil, fail(ErrOpCount, "%d operations, header says %d",
			len(t.Ops), hdr[2])
	}
	return t, nil
}

func parseOp(s string) (Op, error) {
	f := strings.Fields(s)
	if len(f[0]) != 1 {
		return Op{}, fmt.Errorf("unknown operation %q", f[0])
	}
	op := Op{Kind: OpKind(f[0][0])}
	want := 3
	switch op.Kind {
	case OpAlloc, OpRealloc:
	case OpFree:
		want = 2
	default:
		return Op{}, fmt.Errorf("unknown operation %q", f[0])
	}
	if len(f) != want {
		return Op{}, fmt.Errorf("%s: %d fields, expected %d", op.Kind, len(f), want)
	}
	id, err := strconv.Atoi(f[1])
	if err != nil {
		return Op{}, fmt.Errorf("bad id %q", f[1])
	}
	op.ID = id
	if want == 3 {
		if op.Size, err = strconv.ParseUint(f[2], 10, 64); err != nil {
			return Op{}, fmt.Errorf("bad size %q", f[2])
		}
	}
	return op, nil
}

// WriteTo writes t in the trace file format. It implements io.WriterTo.
func (t *Trace) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	write := func(f string, a ...interface{}) error {
		n, err := fmt.Fprintf(bw, f, a...)
		total += int64(n)
		return err
	}
	if err := write("%d\n%d\n%d\n%d\n", t.SuggestedHeap, t.NumIDs,
		len(t.Ops), t.Weight); err != nil {
		return total, err
	}
	for _, op := range t.Ops {
		if err := write("%s\n", op); err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}
