//go:build linux

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/uring-bench-go/ratelimit"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	fAddr := flag.String("addr", "127.0.0.1:3000", "Sink address")
	fCount := flag.Uint64("n", 0, "Datagrams to send (0 = unlimited)")
	fSize := flag.Uint("l", 32, "Payload size")
	fRate := flag.Uint64("rate", 0, "Datagrams per second (0 = unthrottled)")
	fText := flag.String("text", "", "Payload text (padded or truncated to -l)")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp4", *fAddr)
	must(err)

	conn, err := net.DialUDP("udp4", nil, addr)
	must(err)
	defer conn.Close()

	payload := make([]byte, *fSize)
	if *fText != "" {
		for i := 0; i < len(payload); i += len(*fText) {
			copy(payload[i:], *fText)
		}
	} else {
		// Printable default so the sink can echo the payload.
		for i := range payload {
			payload[i] = 'a' + byte(i%26)
		}
	}

	fmt.Fprintf(os.Stderr,
		"UDP TX:\naddr=%s count=%d size=%d rate=%d\n",
		addr, *fCount, *fSize, *fRate,
	)

	limiter := ratelimit.New(*fRate)

	var (
		seq   uint64
		sent  uint64
		bytes uint64
	)

	start := time.Now()

	for *fCount == 0 || sent < *fCount {
		// Stamp a sequence number so drops are identifiable sink-side.
		s := strconv.AppendUint(payload[:0], seq, 10)
		if n := len(s); n < len(payload) {
			payload[n] = ' '
		}

		n, err := conn.Write(payload)
		must(err)

		seq++
		sent++
		bytes += uint64(n)

		limiter.Take(1)
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Bytes(bytes),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}
