//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/uring-bench-go/sinkstat"
	"github.com/romshark/uring-bench-go/uring"
)

const defaultConfigPath = "bench.yaml"

type Config struct {
	Sink struct {
		Addr       string `yaml:"addr"`
		BufferSize uint32 `yaml:"buffer-size"`
	} `yaml:"sink"`

	Ring struct {
		Capacity            uint32 `yaml:"capacity"`
		Depth               uint32 `yaml:"depth"`
		Count               int    `yaml:"count"`
		MaxUnboundedWorkers uint32 `yaml:"max-unbounded-workers"`
		Async               bool   `yaml:"async"`
	} `yaml:"ring"`

	Threads int   `yaml:"threads"`
	CPUs    []int `yaml:"cpus"`
	Quiet   bool  `yaml:"quiet"`
	Verbose bool  `yaml:"verbose"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", defaultConfigPath, "path to config YAML file")
	fAddr := flag.String("addr", "", "UDP sink address")
	fAsync := flag.Bool("a", false, "force async offload on every entry")
	fSQEs := flag.Uint("s", 0, "ring capacity (submission entries)")
	fDepth := flag.Uint("d", 0, "target in-flight depth per ring")
	fWorkers := flag.Uint("w", 0, "max unbounded io-wq workers per ring")
	fRings := flag.Int("r", 0, "rings per thread")
	fThreads := flag.Int("t", 0, "worker threads")
	fCPUs := flag.String("c", "", "comma-separated CPU list for ring setup")
	fQuiet := flag.Bool("q", false, "suppress per-completion output")
	fVerbose := flag.Bool("v", false, "debug logging")

	flag.Parse()

	var conf Config
	b, err := os.ReadFile(*fConfig)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && *fConfig == defaultConfigPath:
		// No config file, run on flags and defaults.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fAddr != "" {
		conf.Sink.Addr = *fAddr
	}
	if *fAsync {
		conf.Ring.Async = true
	}
	if *fSQEs != 0 {
		conf.Ring.Capacity = uint32(*fSQEs)
	}
	if *fDepth != 0 {
		conf.Ring.Depth = uint32(*fDepth)
	}
	if *fWorkers != 0 {
		conf.Ring.MaxUnboundedWorkers = uint32(*fWorkers)
	}
	if *fRings != 0 {
		conf.Ring.Count = *fRings
	}
	if *fThreads != 0 {
		conf.Threads = *fThreads
	}
	if *fCPUs != "" {
		conf.CPUs = conf.CPUs[:0]
		for _, s := range strings.Split(*fCPUs, ",") {
			cpu, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", *fCPUs, err)
			}
			conf.CPUs = append(conf.CPUs, cpu)
		}
	}
	if *fQuiet {
		conf.Quiet = true
	}
	if *fVerbose {
		conf.Verbose = true
	}

	// Defaults and validation.

	if conf.Sink.Addr == "" {
		conf.Sink.Addr = "127.0.0.1:3000"
	}
	if conf.Sink.BufferSize == 0 {
		conf.Sink.BufferSize = 1024
	}
	if conf.Ring.Capacity == 0 {
		conf.Ring.Capacity = uring.MaxEntries
	}
	if conf.Ring.Capacity > uring.MaxEntries {
		return nil, fmt.Errorf("ring.capacity must be <= %d", uring.MaxEntries)
	}
	if conf.Ring.Count == 0 {
		conf.Ring.Count = 1
	}
	if conf.Ring.Count < 1 {
		return nil, errors.New("ring.count must be >= 1")
	}
	if conf.Threads == 0 {
		conf.Threads = 1
	}
	if conf.Threads < 1 {
		return nil, errors.New("threads must be >= 1")
	}
	for _, cpu := range conf.CPUs {
		if cpu < 0 || cpu >= runtime.NumCPU() {
			return nil, fmt.Errorf("cpu %d out of range (0-%d)", cpu, runtime.NumCPU()-1)
		}
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// openSink binds a UDP socket to addr. SO_REUSEPORT lets every worker
// bind the same sink address; the kernel then spreads datagrams across
// the worker sockets by flow hash.
func openSink(addr string) (int, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return -1, fmt.Errorf("resolving sink address %q: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("creating sink socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setting SO_REUSEPORT: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: udpAddr.Port}
	copy(sa.Addr[:], udpAddr.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("binding %q: %w", addr, err)
	}
	return fd, nil
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if conf.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	// Kernel-side delivery counters. Needs CAP_SYS_ADMIN or CAP_BPF;
	// degrade to completion-side stats only without it.
	probe, err := sinkstat.NewProbe()
	if err != nil {
		log.WithError(err).Warn("sink probe unavailable, kernel-side counters disabled")
		probe = nil
	} else {
		defer probe.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()

	var stats uring.Stats
	go reportLoop(ctx, &stats)

	setup := func(worker int) (uring.Template, uring.Handler, error) {
		fd, err := openSink(conf.Sink.Addr)
		if err != nil {
			return uring.Template{}, nil, err
		}
		if probe != nil {
			if err := probe.Attach(fd); err != nil {
				_ = unix.Close(fd)
				return uring.Template{}, nil, err
			}
		}
		log.WithFields(logrus.Fields{
			"worker": worker,
			"addr":   conf.Sink.Addr,
			"fd":     fd,
		}).Debug("sink socket bound")

		buf := make([]byte, conf.Sink.BufferSize)
		handler := func(res int32, tag uint64) error {
			if res < 0 {
				return fmt.Errorf("read completion: %w", unix.Errno(-res))
			}
			if conf.Quiet {
				return nil
			}
			payload := buf[:res]
			if !utf8.Valid(payload) {
				return fmt.Errorf("non-UTF-8 payload (%d bytes, tag %d)", res, tag)
			}
			fmt.Printf("%q, %d\n", payload, tag)
			return nil
		}
		return uring.Template{Fd: fd, Buf: buf, Tag: uint64(worker)}, handler, nil
	}

	start := time.Now()
	err = uring.Run(ctx, uring.Config{
		Capacity:            conf.Ring.Capacity,
		Depth:               conf.Ring.Depth,
		Rings:               conf.Ring.Count,
		Threads:             conf.Threads,
		MaxUnboundedWorkers: conf.Ring.MaxUnboundedWorkers,
		Async:               conf.Ring.Async,
		CPUs:                conf.CPUs,
		Log:                 log,
	}, setup, &stats)
	elapsed := time.Since(start).Seconds()

	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "engine")
	}

	completions := stats.Completions.Load()
	bytes := stats.CompletionBytes.Load()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Filled:            %d entries\n", stats.Filled.Load())
	p.Printf(" Submitted:         %d entries\n", stats.Submitted.Load())
	p.Printf(" Backlogged:        %d entries\n", stats.Backlogged.Load())
	p.Printf(" Completions:       %d\n", completions)
	p.Printf(" Completed bytes:   %d\n", bytes)
	p.Printf(" Avg CPS:           %d\n", uint64(float64(completions)/elapsed))

	if probe != nil {
		s, err := probe.Snapshot()
		fatalIf(err, "reading sink counters")
		delivered := s[sinkstat.Packets]
		p.Printf(" Delivered:         %d packets, %d bytes\n",
			delivered, s[sinkstat.Bytes])
		if delivered > completions {
			drops := delivered - completions
			p.Printf(" Unread:            %d (%.4f%%)\n",
				drops, float64(drops)/float64(delivered)*100)
		}
	}
}

func reportLoop(ctx context.Context, stats *uring.Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastCompletions, lastBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		completions := stats.Completions.Load()
		bytes := stats.CompletionBytes.Load()

		dCompletions := completions - lastCompletions
		dBytes := bytes - lastBytes

		lastCompletions = completions
		lastBytes = bytes

		cps := uint64(float64(dCompletions) / dt)
		mbps := float64(dBytes*8) / 1e6 / dt

		fmt.Fprintf(os.Stderr,
			"COMPLETIONS=%d BACKLOG=%d CPS=%d Mbps=%.1f\n",
			completions, stats.Backlogged.Load(), cps, mbps,
		)
	}
}
