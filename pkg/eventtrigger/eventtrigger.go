// Package eventtrigger implements the event-trigger core: the per-query
// frame stack that collects a structured trace of DDL activity and
// dispatches user-defined trigger functions at five hook points
// (ddl_command_start, ddl_command_end, sql_drop, table_rewrite, login).
package eventtrigger

import (
	"sync"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/internal/common"
	"github.com/zoravur/catalogcore/internal/logutil"
	"github.com/zoravur/catalogcore/pkg/catalogcfg"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// Event names the five hook points a trigger function may fire at.
type Event string

const (
	EventDdlCommandStart Event = "ddl_command_start"
	EventDdlCommandEnd   Event = "ddl_command_end"
	EventSqlDrop         Event = "sql_drop"
	EventTableRewrite    Event = "table_rewrite"
	EventLogin           Event = "login"
)

// CommandKind tags the variant of a CollectedCommand.
type CommandKind int

const (
	Simple CommandKind = iota
	AlterTable
	AlterOpFamily
	CreateOpClass
	AlterTSConfig
	AlterDefaultPrivileges
	Grant
)

// CollectedCommand is a tagged variant over the seven collected command
// shapes; shared fields (parse tree, in-extension flag) live outside
// the variant itself.
type CollectedCommand struct {
	Kind        CommandKind
	Address     depend.ObjectAddress
	Addresses   []depend.ObjectAddress // AlterDefaultPrivileges/Grant: multiple affected objects
	ParseTree   string
	CommandTag  string
	InExtension bool
	Handle      string // opaque command_handle, base64-encoded per internal/common's style

	// AlterTable-only: sub-commands collected between
	// collect_alter_table_start and alter_table_end.
	SubCommands []string
}

// SQLDropObject is one entry of a query frame's drop list. The
// address-name and address-arg lists are pq.StringArray so a record can
// be handed straight to a database/sql statement with text[] columns,
// as the durable drop log does.
type SQLDropObject struct {
	Address         depend.ObjectAddress
	SchemaName      *string
	ObjectName      *string
	ObjectIdentity  string
	ObjectType      string
	Original        bool
	Normal          bool
	IsTemp          bool
	AddressNames    pq.StringArray
	AddressArgs     pq.StringArray
}

// tempSchemaSentinel is substituted for another session's private temp
// schema name in collected drops.
const tempSchemaSentinel = "pg_temp"

// queryFrame is one per-query collection frame: stackable
// frame so DDL nested inside DDL balances begin_query/end_query pairs.
type queryFrame struct {
	prev              *queryFrame
	droppedObjects    []SQLDropObject
	inSqlDrop         bool
	tableRewriteOid   *oid.Oid
	tableRewriteKind  string
	inhibitCollection bool
	collected         []CollectedCommand
	currentAlterTable *CollectedCommand
}

// TriggerEnableState mirrors a trigger's tgenabled column: whether it
// fires depends on the session's replication role.
type TriggerEnableState int

const (
	EnableOrigin TriggerEnableState = iota // fires when role is origin or local
	EnableReplica
	EnableAlways
	EnableDisabled
)

// ReplicationRole is the session's own session_replication_role setting.
type ReplicationRole int

const (
	RoleOrigin ReplicationRole = iota
	RoleReplica
	RoleLocal
)

func (s TriggerEnableState) firesUnder(role ReplicationRole) bool {
	switch s {
	case EnableAlways:
		return true
	case EnableDisabled:
		return false
	case EnableReplica:
		return role == RoleReplica
	default: // EnableOrigin
		return role == RoleOrigin || role == RoleLocal
	}
}

// TriggerFunc is a user-defined trigger function. It receives a Context
// scoped to the firing hook point; calling a helper method outside the
// event it belongs to returns ProtocolViolation.
type TriggerFunc func(ctx *Context) error

// Trigger is one registered event-trigger definition.
type Trigger struct {
	Name    string
	Event   Event
	Enabled TriggerEnableState
	Tags    map[string]bool // empty/nil = matches every command tag
	Fn      TriggerFunc
}

func (t *Trigger) matchesTag(tag string) bool {
	if len(t.Tags) == 0 {
		return true
	}
	return t.Tags[tag]
}

// Context is the object passed to a firing trigger function.
type Context struct {
	Event             Event
	CommandTag        string
	ParseTree         string
	TableRewriteOid   *oid.Oid
	TableRewriteKind  string
	frame             *queryFrame
}

// SqlDropRows implements the set-returning helper available inside an
// sql_drop trigger (pg_event_trigger_dropped_objects()-equivalent).
func (c *Context) SqlDropRows() ([]SQLDropObject, error) {
	if c.Event != EventSqlDrop {
		return nil, catalogerr.New(catalogerr.ProtocolViolation,
			"sql drop helper called outside an sql_drop trigger")
	}
	return append([]SQLDropObject(nil), c.frame.droppedObjects...), nil
}

// DdlCommands implements the set-returning helper available inside a
// ddl_command_end trigger (pg_event_trigger_ddl_commands()-equivalent).
func (c *Context) DdlCommands() ([]CollectedCommand, error) {
	if c.Event != EventDdlCommandEnd {
		return nil, catalogerr.New(catalogerr.ProtocolViolation,
			"ddl command helper called outside a ddl_command_end trigger")
	}
	return append([]CollectedCommand(nil), c.frame.collected...), nil
}

// Core is the process-wide event-trigger engine: a per-session frame
// stack plus a registry of triggers, and the database login-flag cache
// that backs the login fast path.
type Core struct {
	cfg catalogcfg.Config
	log *zap.Logger

	mu       sync.Mutex
	frames   map[string]*queryFrame // keyed by session id
	triggers map[Event][]*Trigger

	loginMu    sync.Mutex
	loginFlags map[oid.Oid]bool      // database oid -> has_login_event_triggers
	dbLocks    map[oid.Oid]*sync.Mutex // simulated per-database custom session lock tag

	cmdCounter map[string]int // per-session command counter, bumped between triggers
}

func New(cfg catalogcfg.Config, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	return &Core{
		cfg:        cfg,
		log:        log,
		frames:     make(map[string]*queryFrame),
		triggers:   make(map[Event][]*Trigger),
		loginFlags: make(map[oid.Oid]bool),
		dbLocks:    make(map[oid.Oid]*sync.Mutex),
		cmdCounter: make(map[string]int),
	}
}

// RegisterTrigger adds a trigger. When t.Event is login and this is the
// first login trigger for a database's flag, callers are expected to
// also call SetLoginFlag to flip the cached database row under its
// in-place-update lock.
func (c *Core) RegisterTrigger(t *Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers[t.Event] = append(c.triggers[t.Event], t)
}

// DropTrigger removes the named trigger from ev's list.
func (c *Core) DropTrigger(ev Event, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.triggers[ev]
	out := list[:0]
	for _, t := range list {
		if t.Name != name {
			out = append(out, t)
		}
	}
	c.triggers[ev] = out
}

// BeginQuery pushes a new frame onto sessionID's stack. Returns true so
// callers can assert frame balance.
func (c *Core) BeginQuery(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[sessionID] = &queryFrame{prev: c.frames[sessionID]}
	return true
}

// EndQuery pops sessionID's current frame. Must be called exactly once
// per successful BeginQuery, including on the error path (callers invoke
// this from a defer).
func (c *Core) EndQuery(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil {
		return
	}
	c.frames[sessionID] = f.prev
}

func (c *Core) currentFrame(sessionID string) *queryFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[sessionID]
}

// DdlCommandStart fires every enabled ddl_command_start trigger matching
// commandTag. No collected state exists yet at this hook point.
func (c *Core) DdlCommandStart(sessionID string, role ReplicationRole, parseTree, commandTag string) error {
	if !c.cfg.EventTriggers {
		return nil
	}
	return c.dispatch(sessionID, EventDdlCommandStart, role, commandTag, &Context{
		Event: EventDdlCommandStart, CommandTag: commandTag, ParseTree: parseTree,
		frame: c.currentFrame(sessionID),
	})
}

// CollectSimple appends a Simple CollectedCommand to the current frame.
func (c *Core) CollectSimple(sessionID string, addr depend.ObjectAddress, parseTree, commandTag string, inExtension bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil || f.inhibitCollection {
		return
	}
	f.collected = append(f.collected, CollectedCommand{
		Kind: Simple, Address: addr, ParseTree: parseTree, CommandTag: commandTag, InExtension: inExtension,
		Handle: common.EncodeHandle(uint32(addr.ClassId), uint32(addr.ObjectId), addr.SubId),
	})
}

// CollectAlterTableStart opens an in-progress AlterTable command that
// subsequent CollectAlterTableSubcmd calls append to, closed by
// AlterTableEnd.
func (c *Core) CollectAlterTableStart(sessionID string, addr depend.ObjectAddress, parseTree string, inExtension bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil || f.inhibitCollection {
		return
	}
	f.currentAlterTable = &CollectedCommand{
		Kind: AlterTable, Address: addr, ParseTree: parseTree, CommandTag: "ALTER TABLE", InExtension: inExtension,
		Handle: common.EncodeHandle(uint32(addr.ClassId), uint32(addr.ObjectId), addr.SubId),
	}
}

func (c *Core) CollectAlterTableSubcmd(sessionID string, subcmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil || f.currentAlterTable == nil {
		return
	}
	f.currentAlterTable.SubCommands = append(f.currentAlterTable.SubCommands, subcmd)
}

// AlterTableEnd appends the in-progress AlterTable command to the frame's
// collected list and clears the in-progress pointer.
func (c *Core) AlterTableEnd(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil || f.currentAlterTable == nil {
		return
	}
	f.collected = append(f.collected, *f.currentAlterTable)
	f.currentAlterTable = nil
}

// CollectDrop records one dropped object into the current frame's drop
// list. belongsToCurrentSession distinguishes the caller's own temp
// schema (kept verbatim) from another session's (replaced with the
// generic sentinel).
func (c *Core) CollectDrop(sessionID string, obj SQLDropObject, belongsToCurrentSession bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.frames[sessionID]
	if f == nil {
		return
	}
	if obj.IsTemp && !belongsToCurrentSession {
		sentinel := tempSchemaSentinel
		obj.SchemaName = &sentinel
	}
	f.droppedObjects = append(f.droppedObjects, obj)
	c.log.Debug("collect_drop",
		zap.String("session", sessionID),
		logutil.Address(uint32(obj.Address.ClassId), uint32(obj.Address.ObjectId), obj.Address.SubId),
	)
}

// SqlDrop dispatches every enabled sql_drop trigger between the
// dependency-driven drops and the outer command's end. The in-sql-drop
// flag is set only for the duration of dispatch and is always cleared,
// even if a trigger function returns an error.
func (c *Core) SqlDrop(sessionID string, role ReplicationRole, parseTree, commandTag string) (err error) {
	if !c.cfg.EventTriggers {
		return nil
	}
	f := c.currentFrame(sessionID)
	if f == nil {
		return catalogerr.New(catalogerr.InternalError, "sql_drop fired with no active query frame")
	}
	c.mu.Lock()
	f.inSqlDrop = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		f.inSqlDrop = false
		c.mu.Unlock()
	}()

	return c.dispatch(sessionID, EventSqlDrop, role, commandTag, &Context{
		Event: EventSqlDrop, CommandTag: commandTag, ParseTree: parseTree, frame: f,
	})
}

// DdlCommandEnd dispatches every enabled ddl_command_end trigger, after
// all catalog modifications for this command are complete.
func (c *Core) DdlCommandEnd(sessionID string, role ReplicationRole, parseTree, commandTag string) error {
	if !c.cfg.EventTriggers {
		return nil
	}
	return c.dispatch(sessionID, EventDdlCommandEnd, role, commandTag, &Context{
		Event: EventDdlCommandEnd, CommandTag: commandTag, ParseTree: parseTree,
		frame: c.currentFrame(sessionID),
	})
}

// TableRewrite dispatches every enabled table_rewrite trigger before a
// non-trivial table rewrite begins. tableRewriteOid is cleared on any
// exit path.
func (c *Core) TableRewrite(sessionID string, role ReplicationRole, tableOid oid.Oid, reason string) (err error) {
	if !c.cfg.EventTriggers {
		return nil
	}
	f := c.currentFrame(sessionID)
	if f != nil {
		c.mu.Lock()
		f.tableRewriteOid = &tableOid
		f.tableRewriteKind = reason
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			f.tableRewriteOid = nil
			f.tableRewriteKind = ""
			c.mu.Unlock()
		}()
	}
	return c.dispatch(sessionID, EventTableRewrite, role, "", &Context{
		Event: EventTableRewrite, TableRewriteOid: &tableOid, TableRewriteKind: reason, frame: f,
	})
}

// dispatch filters the cached trigger list for ev by enable-state and
// command tag, then runs the resulting ordered list, bumping a per-session
// command counter between successive triggers so each sees the previous
// one's catalog changes.
func (c *Core) dispatch(sessionID string, ev Event, role ReplicationRole, commandTag string, ctx *Context) error {
	c.mu.Lock()
	candidates := append([]*Trigger(nil), c.triggers[ev]...)
	c.mu.Unlock()

	c.log.Debug("event_trigger_dispatch", logutil.Values(
		zap.String("event", string(ev)),
		zap.String("session", sessionID),
		zap.String("command_tag", commandTag),
		zap.Int("candidates", len(candidates)),
	))

	fired := 0
	for _, t := range candidates {
		if !t.Enabled.firesUnder(role) {
			continue
		}
		if !t.matchesTag(commandTag) {
			continue
		}
		if fired > 0 {
			c.mu.Lock()
			c.cmdCounter[sessionID]++
			c.mu.Unlock()
		}
		fired++
		if err := t.Fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HasLoginEventTriggers answers the login fast path's only question: does
// dbOid's cached row say a login trigger might fire? The flag is read
// under the in-process loginMu only; no per-database lock is taken and no
// catalog row is read.
func (c *Core) HasLoginEventTriggers(dbOid oid.Oid) bool {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loginFlags[dbOid]
}

// Login fires the login event if dbOid's flag is set; if not, it returns
// immediately after that flag read, without taking the per-database lock
// or reading the catalog.
func (c *Core) Login(sessionID string, role ReplicationRole, dbOid oid.Oid) error {
	if !c.cfg.EventTriggers || !c.HasLoginEventTriggers(dbOid) {
		return nil
	}
	return c.dispatch(sessionID, EventLogin, role, "", &Context{Event: EventLogin})
}

// SetLoginFlag sets dbOid's login flag under its custom session lock tag,
// via an in-place update that bypasses MVCC (so concurrent setters never
// race and no dead tuples accumulate).
func (c *Core) SetLoginFlag(dbOid oid.Oid) {
	lock := c.dbLock(dbOid)
	lock.Lock()
	defer lock.Unlock()
	c.loginMu.Lock()
	c.loginFlags[dbOid] = true
	c.loginMu.Unlock()
}

// ClearLoginFlagIfEmpty implements the last-trigger-dropped path: it
// takes the database's lock conditionally (non-blocking); if it cannot,
// it leaves the flag set for a later login to clear. If it acquires the
// lock, it rechecks the cached trigger list is still empty before
// clearing, since another session may have created a new login trigger
// in the meantime.
func (c *Core) ClearLoginFlagIfEmpty(dbOid oid.Oid) {
	lock := c.dbLock(dbOid)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	c.mu.Lock()
	stillEmpty := len(c.triggers[EventLogin]) == 0
	c.mu.Unlock()
	if !stillEmpty {
		return
	}

	c.loginMu.Lock()
	c.loginFlags[dbOid] = false
	c.loginMu.Unlock()
}

func (c *Core) dbLock(dbOid oid.Oid) *sync.Mutex {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	l, ok := c.dbLocks[dbOid]
	if !ok {
		l = &sync.Mutex{}
		c.dbLocks[dbOid] = l
	}
	return l
}
