// Command mtcpping is a minimal demonstration of the stack package, in the
// spirit of the teacher's examples/ tools: wire up an adapter (here, an
// in-memory loopback pair standing in for two hosts), bring the stack up,
// and drive one protocol end to end while logging what happens.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtcpstack/mtcpstack/link"
	mtcp "github.com/mtcpstack/mtcpstack/stack"
	"github.com/mtcpstack/mtcpstack/wire"
)

func main() {
	count := flag.Int("count", 4, "number of echo requests to send")
	interval := flag.Duration("interval", time.Second, "delay between echo requests")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-osSignals
		cancel()
	}()

	drvLocal, drvRemote := link.NewLoopbackPair([6]byte{0x02, 0, 0, 0, 0, 1}, [6]byte{0x02, 0, 0, 0, 0, 2}, 1500)
	defer drvLocal.Close()

	localIP := [4]byte{10, 0, 0, 1}
	remoteIP := [4]byte{10, 0, 0, 2}

	cfg := mtcp.DefaultConfig()
	cfg.Netmask = [4]byte{255, 255, 255, 0}

	localCfg := cfg
	localCfg.MyIP = localIP
	remoteCfg := cfg
	remoteCfg.MyIP = remoteIP

	local := mtcp.New(localCfg, drvLocal)
	remote := mtcp.New(remoteCfg, drvRemote)

	go local.Run(ctx)
	go remote.Run(ctx)

	arpDone := make(chan struct{})
	local.ARP.RequestAndDefer(remoteIP, func(link.MacAddr, bool) { close(arpDone) })
	select {
	case <-arpDone:
	case <-time.After(5 * time.Second):
		log.Fatal("ARP resolution timed out")
	}

	replies := make(chan uint16, *count)
	local.ICMP.SetCallback(func(src [4]byte, h wire.ICMPHeader, body []byte) {
		if h.Type == wire.ICMPTypeEchoReply {
			replies <- h.Seq
		}
	})

	fmt.Printf("pinging %d.%d.%d.%d\n", remoteIP[0], remoteIP[1], remoteIP[2], remoteIP[3])
	for seq := 1; seq <= *count; seq++ {
		sentAt := time.Now()
		if err := local.ICMP.SendEchoRequest(remoteIP, 1, uint16(seq), []byte("mtcpping")); err != nil {
			log.Printf("seq=%d send error: %v", seq, err)
			continue
		}
		select {
		case <-replies:
			fmt.Printf("reply seq=%d time=%s\n", seq, time.Since(sentAt))
		case <-time.After(2 * time.Second):
			fmt.Printf("seq=%d timed out\n", seq)
		case <-ctx.Done():
			return
		}
		if seq < *count {
			time.Sleep(*interval)
		}
	}
}
