//go:build linux

// Package sinkstat attaches a BPF socket filter to a datagram sink
// socket and counts every packet and byte the kernel delivers to it,
// independently of what userspace manages to read. Comparing these
// counters against read completions shows sink-side drops.
package sinkstat

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var ErrAttach = errors.New("attaching socket filter failed")

type Counter int

const (
	Packets Counter = iota
	Bytes

	numCounters
)

func (c Counter) String() string {
	switch c {
	case Packets:
		return "rx_packets"
	case Bytes:
		return "rx_bytes"
	}
	return ""
}

// Stats is one snapshot of the per-socket counters.
type Stats map[Counter]uint64

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	diff := make(Stats, len(s))
	for ctr, v := range s {
		diff[ctr] = v - old[ctr]
	}
	return diff
}

// Probe is a loaded counter filter. One Probe can serve multiple
// sockets; the counters then aggregate across them.
type Probe struct {
	counters *ebpf.Map
	prog     *ebpf.Program
}

// NewProbe loads the counter map and filter program.
func NewProbe() (*Probe, error) {
	counters, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "sink_counters",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(numCounters),
	})
	if err != nil {
		return nil, fmt.Errorf("creating counter map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "sink_count",
		Type:         ebpf.SocketFilter,
		License:      "Dual MIT/GPL",
		Instructions: countInstructions(counters),
	})
	if err != nil {
		_ = counters.Close()
		return nil, fmt.Errorf("loading filter program: %w", err)
	}

	return &Probe{counters: counters, prog: prog}, nil
}

// countInstructions assembles the filter: bump the packet counter by one
// and the byte counter by skb->len, then accept the full packet so the
// socket still delivers it to userspace.
func countInstructions(counters *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// r6 = skb
		asm.Mov.Reg(asm.R6, asm.R1),

		// counters[Packets] += 1
		asm.StoreImm(asm.RFP, -4, int64(Packets), asm.Word),
		asm.LoadMapPtr(asm.R1, counters.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "bytes"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		// counters[Bytes] += skb->len
		asm.StoreImm(asm.RFP, -4, int64(Bytes), asm.Word).WithSymbol("bytes"),
		asm.LoadMapPtr(asm.R1, counters.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "accept"),
		asm.LoadMem(asm.R1, asm.R6, 0, asm.Word),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		// accept the whole packet
		asm.Mov.Imm(asm.R0, 0x40000).WithSymbol("accept"),
		asm.Return(),
	}
}

// Attach installs the filter on fd.
func (p *Probe) Attach(fd int) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, p.prog.FD())
	if err != nil {
		return fmt.Errorf("%w: fd %d: %w", ErrAttach, fd, err)
	}
	return nil
}

// Snapshot reads the current counter values.
func (p *Probe) Snapshot() (Stats, error) {
	s := make(Stats, numCounters)
	for ctr := Counter(0); ctr < numCounters; ctr++ {
		var v uint64
		if err := p.counters.Lookup(uint32(ctr), &v); err != nil {
			return nil, fmt.Errorf("reading %s: %w", ctr, err)
		}
		s[ctr] = v
	}
	return s, nil
}

func (p *Probe) Close() error {
	return errors.Join(p.prog.Close(), p.counters.Close())
}

func Print(w io.Writer, s Stats) error {
	_, err := fmt.Fprintf(w, "  sink:  %s pkts; %s\n",
		humanize.Comma(int64(s[Packets])),
		humanize.Bytes(s[Bytes]),
	)
	return err
}
