// Package walwatch is the real collaborator pkg/waitlsn's WaitForLsn
// blocks against: a long-running logical-replication reader that tracks
// how far the server has progressed and fans that progress out to
// listeners as LSN-progress events tagged by mode.
package walwatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Mode names the four durability points WaitForLsn can block on, mirrored
// from pkg/catalogcfg.WaitForLsnMode without importing the server module
// (this is an independently-versioned module).
type Mode string

const (
	StandbyReplay Mode = "standby_replay"
	StandbyWrite  Mode = "standby_write"
	StandbyFlush  Mode = "standby_flush"
	PrimaryFlush  Mode = "primary_flush"
)

// Progress is one LSN-progress announcement, serialized as a single JSON
// line to every TCP listener.
type Progress struct {
	Mode       Mode   `json:"mode"`
	LSN        uint64 `json:"lsn"`
	InRecovery bool   `json:"in_recovery"`
}

// Broadcaster fans Progress messages out to any number of listeners: a
// mutex-guarded set of channels with a non-blocking send so one slow
// client can never stall the reader.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[chan []byte]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[chan []byte]struct{})}
}

func (b *Broadcaster) AddListener(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[ch] = struct{}{}
}

func (b *Broadcaster) RemoveListener(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, ch)
}

func (b *Broadcaster) Broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			log.Printf("walwatch: listener channel full, dropping a progress update")
		}
	}
}

// Config is the connection and slot info a Watcher needs.
type Config struct {
	ConnString string
	SlotName   string
	ReplyEvery time.Duration
}

// Watcher is the single permanent replication reader. It reconnects with
// a fixed backoff on any error.
type Watcher struct {
	cfg Config
	b   *Broadcaster
}

func NewWatcher(cfg Config, b *Broadcaster) *Watcher {
	if cfg.ReplyEvery <= 0 {
		cfg.ReplyEvery = 10 * time.Second
	}
	return &Watcher{cfg: cfg, b: b}
}

// Run reads the replication stream forever, reconnecting on error, until
// ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.connectAndRead(ctx); err != nil {
			log.Printf("walwatch: replication connection error: %v; reconnecting in 5s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (w *Watcher) connectAndRead(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, w.cfg.ConnString)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return err
	}
	log.Printf("walwatch: system id %s timeline %d start %s", sys.SystemID, sys.Timeline, sys.XLogPos)

	if err := pglogrepl.StartReplication(ctx, conn, w.cfg.SlotName, sys.XLogPos,
		pglogrepl.StartReplicationOptions{}); err != nil {
		return err
	}
	log.Printf("walwatch: logical replication started on slot %s", w.cfg.SlotName)

	var lastLSN pglogrepl.LSN
	nextStandbyDeadline := time.Now().Add(w.cfg.ReplyEvery)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextStandbyDeadline) && lastLSN != 0 {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN, WALFlushPosition: lastLSN, WALApplyPosition: lastLSN}); err != nil {
				return err
			}
			nextStandbyDeadline = time.Now().Add(w.cfg.ReplyEvery)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				continue
			}
			return err
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return errors.New(errMsg.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				continue
			}
			lastLSN = xld.WALStart
			w.announce(lastLSN)
		}
	}
}

// announce fans a Progress message for each of the three standby_* modes
// out to listeners; primary_flush is never announced. A
// logical-replication reader only ever observes one confirmed position;
// it stands in for all three standby_* durability points since this
// watcher has no separate view of a standby's replay/write/flush
// pointers, a simplification recorded in DESIGN.md.
func (w *Watcher) announce(lsn pglogrepl.LSN) {
	for _, m := range []Mode{StandbyReplay, StandbyWrite, StandbyFlush} {
		p := Progress{Mode: m, LSN: uint64(lsn), InRecovery: true}
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		w.b.Broadcast(b)
	}
}
