/*
Copyright 2026 The Ciruela Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gossip implements the UDP gossip engine: small unreliable,
// unauthenticated datagrams carrying (VPath, Hash) summary pairs, used
// to drive eventual reconciliation across the cluster (spec.md §4.6),
// grounded on original_source/src/daemon/peers/gossip.rs.
package gossip

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tailhook/ciruela/pkg/hashid"
	"github.com/tailhook/ciruela/pkg/peers"
	"github.com/tailhook/ciruela/pkg/vpath"
)

// MaxPacket is the largest gossip datagram ever sent, chosen to stay
// under typical WAN MTU (spec.md §4.6: "each datagram ≤ 1400 B").
const MaxPacket = 1400

// Interval is how often a gossip round fires.
const Interval = time.Second

// PacketsAtOnce is how many peers receive a gossip datagram per round,
// and also how many receive an immediate broadcast of a freshly updated
// summary.
const PacketsAtOnce = 4

// Head is the first value in every gossip packet, identifying the
// sender.
type Head struct {
	_  struct{} `cbor:",toarray"`
	ID hashid.MachineID
}

// pair is one (VPath, Hash) summary entry, following Head in the packet.
type pair struct {
	_    struct{} `cbor:",toarray"`
	Path vpath.VPath
	Hash hashid.Hash
}

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// SummarySource supplies the local base-directory summaries to gossip
// about, cycling round-robin across them (spec.md §4.6: "Selection of
// pairs cycles through local BaseDir summaries in round-robin").
type SummarySource interface {
	NextSummary() (path vpath.VPath, hash hashid.Hash, ok bool)
}

// Reconciler is handed every (VPath, Hash) pair learned from a peer
// (spec.md §4.6: "hand (D, H, source_addr, source_machine) to the
// Reconciliation Engine"). Pairs are not compared with the local summary
// hash first; a pair that matches local state is passed on as well.
type Reconciler interface {
	Reconcile(path vpath.VPath, remoteHash hashid.Hash, source net.Addr, sourceMachine hashid.MachineID)
}

// Gossip runs the single UDP socket per daemon that sends and receives
// gossip datagrams.
type Gossip struct {
	conn      *net.UDPConn
	machineID hashid.MachineID
	registry  *peers.Registry
	summaries SummarySource
	recon     Reconciler
	logger    *log.Logger

	futureMu    sync.Mutex
	futurePeers map[string]string // addr.String() -> hostname
}

// New wraps an already-bound UDP socket as a Gossip engine.
func New(conn *net.UDPConn, machineID hashid.MachineID, registry *peers.Registry, summaries SummarySource, recon Reconciler) *Gossip {
	return &Gossip{
		conn:        conn,
		machineID:   machineID,
		registry:    registry,
		summaries:   summaries,
		recon:       recon,
		logger:      log.New(log.Writer(), "gossip: ", log.LstdFlags),
		futurePeers: make(map[string]string),
	}
}

// AddFuturePeer records addr as a peer with a known hostname but unknown
// machine id, to be promoted into the registry once its first gossip
// datagram arrives (spec.md §4.6: "if the source was a 'future peer'
// ... promote it into the peer map").
func (g *Gossip) AddFuturePeer(addr net.Addr, hostname string) {
	g.futureMu.Lock()
	g.futurePeers[addr.String()] = hostname
	g.futureMu.Unlock()
}

// Run drives both the read loop and the periodic send loop until ctx is
// canceled. It blocks until both have stopped.
func (g *Gossip) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.readLoop()
	}()
	go func() {
		defer wg.Done()
		g.sendLoop(ctx)
	}()
	<-ctx.Done()
	g.conn.Close()
	wg.Wait()
}

func (g *Gossip) readLoop() {
	buf := make([]byte, MaxPacket)
	for {
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		g.handlePacket(buf[:n], addr)
	}
}

func (g *Gossip) handlePacket(data []byte, addr *net.UDPAddr) {
	dec := cbor.NewDecoder(bytes.NewReader(data))
	var head Head
	if err := dec.Decode(&head); err != nil {
		g.logger.Printf("bad gossip packet from %v: %v", addr, err)
		return
	}

	g.futureMu.Lock()
	hostname, isFuture := g.futurePeers[addr.String()]
	if isFuture {
		delete(g.futurePeers, addr.String())
	}
	g.futureMu.Unlock()
	if isFuture {
		g.registry.Upsert(peers.Peer{MachineID: head.ID, PrimaryAddr: addr, Hostname: hostname})
	}

	for {
		var p pair
		if err := dec.Decode(&p); err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Printf("bad dir in gossip packet from %v: %v", addr, err)
			}
			break
		}
		g.registry.AddDirCandidate(p.Path.Key(), head.ID)
		if g.recon != nil {
			g.recon.Reconcile(p.Path, p.Hash, addr, head.ID)
		}
	}
}

func (g *Gossip) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sendToRandomPeers()
		}
	}
}

// sendToRandomPeers gossips the current round of summaries to up to
// PacketsAtOnce randomly chosen known peers.
func (g *Gossip) sendToRandomPeers() {
	all := g.registry.All()
	if len(all) == 0 {
		return
	}
	order := rand.Perm(len(all))
	n := PacketsAtOnce
	if n > len(all) {
		n = len(all)
	}
	for i := 0; i < n; i++ {
		p := all[order[i]]
		if p.PrimaryAddr == nil {
			continue
		}
		g.sendTo(p.PrimaryAddr)
	}
}

// BroadcastNow immediately gossips to up to PacketsAtOnce peers, used
// when a local summary changes (spec.md §4.6: "a freshly updated
// summary is broadcast immediately").
func (g *Gossip) BroadcastNow() {
	g.sendToRandomPeers()
}

func (g *Gossip) sendTo(addr net.Addr) {
	data, err := g.buildPacket()
	if err != nil {
		g.logger.Printf("encoding gossip packet: %v", err)
		return
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", addr.String())
		if err != nil {
			g.logger.Printf("resolving %v: %v", addr, err)
			return
		}
		udpAddr = resolved
	}
	if _, err := g.conn.WriteToUDP(data, udpAddr); err != nil {
		g.logger.Printf("error sending message to %v: %v", addr, err)
	}
}

// buildPacket serializes Head followed by as many summary pairs as fit
// under MaxPacket, stopping before any pair that would overrun it
// (spec.md §4.6: "as many (VPath, Hash) pairs as fit ... stop before
// overrun"). Each path goes into a packet at most once: the round-robin
// source wrapping back to a path already included also ends the packet.
func (g *Gossip) buildPacket() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := encMode.NewEncoder(buf)
	if err := enc.Encode(Head{ID: g.machineID}); err != nil {
		return nil, err
	}
	if g.summaries == nil {
		return buf.Bytes(), nil
	}
	seen := make(map[vpath.VPath]bool)
	for {
		path, hash, ok := g.summaries.NextSummary()
		if !ok || seen[path] {
			break
		}
		seen[path] = true
		before := buf.Len()
		if err := enc.Encode(pair{Path: path, Hash: hash}); err != nil {
			return nil, err
		}
		if buf.Len() > MaxPacket {
			buf.Truncate(before)
			break
		}
	}
	return buf.Bytes(), nil
}
