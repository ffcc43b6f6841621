package peernet

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/cavaliercoder/urpm-ng/internal/log"
)

const (
	broadcastInterval    = 60 * time.Second
	devBroadcastInterval = 15 * time.Second

	// PeerTimeout is how long a peer stays in the table without a fresh
	// announcement before it is considered dead.
	PeerTimeout    = 180 * time.Second
	DevPeerTimeout = 45 * time.Second
)

// Discovery broadcasts this machine's presence on the LAN and listens for
// other peers' broadcasts. A received broadcast is handed to OnPeer, which
// typically contacts the peer over HTTP for its full announcement and
// records it in the catalog's peer table.
type Discovery struct {
	Port    int // UDP discovery port
	Self    Announcement
	DevMode bool
	OnPeer  func(host string, a Announcement)

	conn *net.UDPConn
}

// Start binds the discovery socket and launches the broadcast and listener
// loops. Both exit when ctx is cancelled. A bind failure disables listening
// but broadcasting still proceeds so one-way discovery keeps working.
func (d *Discovery) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: d.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		log.Warnf("could not bind UDP discovery port %d: %s", d.Port, err)
	} else {
		d.conn = conn
		go d.listenLoop(ctx)
	}

	go d.broadcastLoop(ctx)
	log.Printf("peer discovery started on UDP port %d\n", d.Port)
	return nil
}

// broadcastLoop periodically announces our presence. The first broadcast is
// delayed by a random fraction of the interval and every subsequent one is
// jittered ±30%, so machines powered on together (install party, outage
// recovery) don't stay synchronized.
func (d *Discovery) broadcastLoop(ctx context.Context) {
	interval := broadcastInterval
	if d.DevMode {
		interval = devBroadcastInterval
	}

	initial := time.Duration(1+rand.Intn(int(interval.Seconds())/2)) * time.Second
	select {
	case <-time.After(initial):
	case <-ctx.Done():
		return
	}

	for {
		if err := d.sendBroadcast(); err != nil {
			log.Dprintf("discovery broadcast: %s\n", err)
		}

		jitter := 1 + (rand.Float64()*0.6 - 0.3)
		next := time.Duration(float64(interval) * jitter)
		if next < 10*time.Second {
			next = 10 * time.Second
		}
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return
		}
	}
}

func (d *Discovery) sendBroadcast() error {
	data, err := EncodeDatagram(d.Self)
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp4", net.JoinHostPort("255.255.255.255", strconv.Itoa(d.Port)))
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

func (d *Discovery) listenLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Dprintf("discovery read: %s\n", err)
			return
		}

		a, err := DecodeDatagram(buf[:n])
		if err != nil {
			continue
		}
		if a.MachineID == d.Self.MachineID {
			continue // our own broadcast reflected back
		}
		// Development-mode peers only discover each other.
		if a.DevelopmentMode != d.DevMode {
			continue
		}

		host := a.Host
		if host == "" {
			host = addr.IP.String()
		}
		if d.OnPeer != nil {
			d.OnPeer(host, a)
		}
	}
}
