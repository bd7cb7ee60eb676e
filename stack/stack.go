// Package stack wires every protocol layer together into one runnable
// TCP/IP stack, the Go analogue of the teacher's NdisApi+QueuedPacketFilter
// pairing: one concrete transport underneath (link.Driver), one dispatch
// loop driving it, and every layer registered on top in the same order
// Utils::initStack wires them in TCPSOCK.CPP (packet pool, Ethernet
// dispatch, ARP, IPv4, ICMP, UDP, TCP, DNS).
package stack

import (
	"context"
	"sync"
	"time"

	"github.com/mtcpstack/mtcpstack/arp"
	"github.com/mtcpstack/mtcpstack/dns"
	"github.com/mtcpstack/mtcpstack/eth"
	"github.com/mtcpstack/mtcpstack/icmp"
	"github.com/mtcpstack/mtcpstack/ipv4"
	"github.com/mtcpstack/mtcpstack/link"
	"github.com/mtcpstack/mtcpstack/pkt"
	"github.com/mtcpstack/mtcpstack/tcp"
	"github.com/mtcpstack/mtcpstack/udp"
)

// Config carries everything needed to bring a Stack up, mirroring the
// original's MTCP.CFG directives (IPADDR, NETMASK, GATEWAY, NAMESERVER,
// DOMAINNAME).
type Config struct {
	MyIP       [4]byte
	Netmask    [4]byte
	Gateway    [4]byte
	Nameserver [4]byte
	Domain     string

	MTU       int // Ethernet payload MTU
	PoolSize  int // packet buffer pool size
	DriveTick time.Duration
}

// DefaultConfig fills in the sizing the teacher's own defaults used
// (MAX_ETHER_FRAME-scale pool, a 1500-byte MTU, and a drive tick close to
// the original's 54.9ms BIOS timer tick).
func DefaultConfig() Config {
	return Config{
		MTU:       1500,
		PoolSize:  256,
		DriveTick: 55 * time.Millisecond,
	}
}

// Stack is a fully wired protocol stack over one link.Driver.
type Stack struct {
	cfg Config
	drv link.Driver

	Pool  *pkt.Pool
	Eth   *eth.Dispatcher
	ARP   *arp.Resolver
	IP    *ipv4.Layer
	ICMP  *icmp.Handler
	UDP   *udp.Stack
	TCP   *tcp.Stack
	DNS   *dns.Resolver

	wg sync.WaitGroup
}

// New wires every layer on top of drv but does not start the drive/receive
// loops; call Run to bring the stack up.
func New(cfg Config, drv link.Driver) *Stack {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.DriveTick <= 0 {
		cfg.DriveTick = DefaultConfig().DriveTick
	}

	pool := pkt.NewPool(cfg.PoolSize)
	pool.StartReceiving()
	disp := eth.NewDispatcher(drv, pool)
	resolver := arp.New(cfg.MyIP, drv.HardwareAddr(), disp)
	ip := ipv4.New(ipv4.Config{MyIP: cfg.MyIP, Netmask: cfg.Netmask, Gateway: cfg.Gateway, MTU: cfg.MTU}, disp, resolver)
	icmpHandler := icmp.New(ip)
	udpStack := udp.New(ip)
	tcpStack := tcp.New(ip)

	s := &Stack{
		cfg:  cfg,
		drv:  drv,
		Pool: pool,
		Eth:  disp,
		ARP:  resolver,
		IP:   ip,
		ICMP: icmpHandler,
		UDP:  udpStack,
		TCP:  tcpStack,
	}

	if cfg.Nameserver != ([4]byte{}) {
		resolver2, err := dns.New(udpStack, cfg.Nameserver, cfg.Domain)
		if err == nil {
			s.DNS = resolver2
		}
	}

	return s
}

// Run starts the receive loop and the periodic Drive pump, blocking until
// ctx is canceled. Mirrors the original's cooperative main loop calling
// Packet_process_internal/Arp_driveArp/Ip_drivePackets/Tcp_drivePackets on
// every timer tick.
func (s *Stack) Run(ctx context.Context) error {
	recvErrCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		recvErrCh <- s.drv.Run(ctx, func(frame []byte) {
			buf, err := s.Pool.Get()
			if err != nil {
				s.Pool.Dropped++
				return
			}
			buf.Len = copy(buf.Data[:], frame)
			s.Eth.Dispatch(buf)
		})
	}()

	ticker := time.NewTicker(s.cfg.DriveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case err := <-recvErrCh:
			ticker.Stop()
			return err
		case now := <-ticker.C:
			s.ARP.Drive()
			s.IP.Drive(now)
			s.TCP.Drive(now)
			if s.DNS != nil {
				s.DNS.Drive(now)
			}
		}
	}
}
