// Package wal bridges walwatch's TCP progress stream into pkg/waitlsn:
// a decoder for walwatch's {mode,lsn,in_recovery} progress lines that
// updates an in-memory Tracker and wakes every parked pkg/waitlsn.Wait
// call via a broadcast channel.
package wal

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/waitlsn"
)

// progressLine mirrors walwatch.Progress without importing the walwatch
// module (a separate go.mod, reached only over the network).
type progressLine struct {
	Mode       string `json:"mode"`
	LSN        uint64 `json:"lsn"`
	InRecovery bool   `json:"in_recovery"`
}

func parseMode(s string) (catalogcfg.WaitForLsnMode, bool) {
	switch s {
	case "standby_replay":
		return catalogcfg.StandbyReplay, true
	case "standby_write":
		return catalogcfg.StandbyWrite, true
	case "standby_flush":
		return catalogcfg.StandbyFlush, true
	case "primary_flush":
		return catalogcfg.PrimaryFlush, true
	default:
		return 0, false
	}
}

// Tracker is the waitlsn.Tracker/waitlsn.Notifier implementation fed by
// walwatch's progress stream. It is safe for concurrent use by however
// many sessions are parked in waitlsn.Wait.
type Tracker struct {
	mu         sync.RWMutex
	observed   map[catalogcfg.WaitForLsnMode]waitlsn.LSN
	inRecovery bool

	wakeMu sync.Mutex
	wakers map[chan struct{}]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		observed: make(map[catalogcfg.WaitForLsnMode]waitlsn.LSN),
		wakers:   make(map[chan struct{}]struct{}),
	}
}

func (t *Tracker) Observed(mode catalogcfg.WaitForLsnMode) waitlsn.LSN {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.observed[mode]
}

func (t *Tracker) InRecovery() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inRecovery
}

func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.wakeMu.Lock()
	t.wakers[ch] = struct{}{}
	t.wakeMu.Unlock()
	return ch, func() {
		t.wakeMu.Lock()
		delete(t.wakers, ch)
		t.wakeMu.Unlock()
	}
}

func (t *Tracker) advance(mode catalogcfg.WaitForLsnMode, lsn waitlsn.LSN, inRecovery bool) {
	t.mu.Lock()
	if lsn > t.observed[mode] {
		t.observed[mode] = lsn
	}
	t.inRecovery = inRecovery
	t.mu.Unlock()

	t.wakeMu.Lock()
	for ch := range t.wakers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	t.wakeMu.Unlock()
}

// Consumer dials walwatch's TCP progress stream and feeds a Tracker,
// reconnecting forever on disconnect.
type Consumer struct {
	Addr    string
	Tracker *Tracker
	Log     *zap.Logger
}

func NewConsumer(addr string, tracker *Tracker, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{Addr: addr, Tracker: tracker, Log: log}
}

// Run blocks, reconnecting to walwatch on every disconnect, until done is
// closed (callers run this in its own goroutine, as app.Server.Run does).
func (c *Consumer) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := c.connectAndConsume(done); err != nil {
			c.Log.Warn("wal consumer: disconnected from walwatch, retrying", zap.Error(err))
		}
		select {
		case <-done:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Consumer) connectAndConsume(done <-chan struct{}) error {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-done
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.OnMessage(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// OnMessage decodes one walwatch progress line and advances the Tracker.
func (c *Consumer) OnMessage(line []byte) {
	var p progressLine
	if err := json.Unmarshal(line, &p); err != nil {
		c.Log.Warn("wal consumer: bad progress line", zap.Error(err))
		return
	}
	mode, ok := parseMode(p.Mode)
	if !ok {
		c.Log.Warn("wal consumer: unknown mode", zap.String("mode", p.Mode))
		return
	}
	c.Tracker.advance(mode, waitlsn.LSN(p.LSN), p.InRecovery)
	c.Log.Debug("wal_progress", zap.String("mode", p.Mode), zap.Uint64("lsn", p.LSN))
}
