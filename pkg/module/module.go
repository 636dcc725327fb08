// Package module creates a namespace and executes a stored sub-command list under a
// temporarily altered search path and owner identity, the shape CREATE
// EXTENSION's installation script runner uses to run a bundled SQL
// script as the extension's owner with search_path pinned to its schema.
//
// Grounded on the same validate -> oid.NewOidFor -> catalog.Insert ->
// depend.Record* -> eventtrigger.CollectSimple shape as pkg/aggregate, with
// the addition of a scoped session-identity swap: SearchPath and Owner
// are pushed before
// running sub-commands and unconditionally restored afterward, success or
// error, exactly like pkg/eventtrigger's frame stack and in-sql-drop flag.
package module

import (
	"context"

	"go.uber.org/zap"

	"github.com/zoravur/catalogcore/pkg/catalog"
	"github.com/zoravur/catalogcore/pkg/catalogerr"
	"github.com/zoravur/catalogcore/pkg/classify"
	"github.com/zoravur/catalogcore/pkg/depend"
	"github.com/zoravur/catalogcore/pkg/eventtrigger"
	"github.com/zoravur/catalogcore/pkg/oid"
)

// SessionContext is the minimal session-identity surface a module's
// install script needs to run under: whose privileges it executes with
// and what unqualified names resolve against.
type SessionContext interface {
	Owner() oid.Oid
	SetOwner(oid.Oid)
	SearchPath() []string
	SetSearchPath([]string)
}

// CommandExecutor runs one SQL sub-command in the caller's current
// session context. The catalog core does not parse or execute SQL
// itself; this is the collaborator boundary where that happens.
type CommandExecutor interface {
	Execute(ctx context.Context, sql string) error
}

// Spec is everything ModuleCreator.Create needs.
type Spec struct {
	Name        string
	Owner       oid.Oid
	SubCommands []string
	AllowSystemTableMods bool // relaxes the reserved-name guard
}

// Creator wires the collaborators a module (namespace + script) creation
// needs.
type Creator struct {
	Ids     *oid.Allocator
	Cat     *catalog.Accessor
	Deps    *depend.Recorder
	Events  *eventtrigger.Core
	Exec    CommandExecutor
	Session SessionContext
	Log     *zap.Logger

	NamespaceClassId oid.Oid
}

const namespaceOidColumn = "oid"

// Create validates spec.Name, inserts the namespace row, records its
// owner dependency, then runs every sub-command with the session's
// search path and owner temporarily swapped to the new namespace and
// spec.Owner, restoring both unconditionally before returning.
func (c *Creator) Create(ctx context.Context, sessionID string, spec Spec) (oid.Oid, error) {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if spec.Name == "" {
		return oid.InvalidOid, catalogerr.New(catalogerr.SyntaxError, "a module must have a name")
	}
	if classify.IsReservedName(spec.Name) && !spec.AllowSystemTableMods {
		return oid.InvalidOid, catalogerr.New(catalogerr.InsufficientPrivilege,
			"module name %q is reserved (pg_* names require allow_system_table_mods)", spec.Name)
	}

	xid := c.Cat.Begin()
	h, err := c.Cat.Open(ctx, c.NamespaceClassId, catalog.RowExclusive)
	if err != nil {
		return oid.InvalidOid, err
	}
	defer h.Close(false)

	checker := c.Cat.IndexCheckerFor(c.NamespaceClassId)
	nsOid, err := c.Ids.NewOidFor(ctx, checker, namespaceOidColumn, false)
	if err != nil {
		return oid.InvalidOid, err
	}

	tuple := c.Cat.FormTuple(h, map[string]any{
		namespaceOidColumn: nsOid,
		"nspname":          spec.Name,
		"nspowner":         spec.Owner,
	})
	if _, err := c.Cat.Insert(ctx, h, tuple, xid); err != nil {
		return oid.InvalidOid, err
	}
	c.Cat.Commit(xid)

	addr := depend.ObjectAddress{ClassId: c.NamespaceClassId, ObjectId: nsOid}
	c.Deps.RecordOnOwner(c.NamespaceClassId, nsOid, spec.Owner)

	if err := c.runSubCommands(ctx, nsOid, spec); err != nil {
		return oid.InvalidOid, err
	}

	c.Events.CollectSimple(sessionID, addr, "", "CREATE SCHEMA", false)
	c.Log.Info("module created", zap.String("name", spec.Name), zap.Uint32("oid", uint32(nsOid)))
	return nsOid, nil
}

// runSubCommands swaps the session's search path (to just the new
// namespace's schema) and owner (to spec.Owner) for the duration of
// spec.SubCommands, restoring both on every exit path.
func (c *Creator) runSubCommands(ctx context.Context, nsOid oid.Oid, spec Spec) error {
	if c.Session == nil || c.Exec == nil || len(spec.SubCommands) == 0 {
		return nil
	}

	savedPath := c.Session.SearchPath()
	savedOwner := c.Session.Owner()
	c.Session.SetSearchPath([]string{spec.Name})
	c.Session.SetOwner(spec.Owner)
	defer func() {
		c.Session.SetSearchPath(savedPath)
		c.Session.SetOwner(savedOwner)
	}()

	for _, cmd := range spec.SubCommands {
		if err := ctx.Err(); err != nil {
			return catalogerr.Wrap(catalogerr.QueryCanceled, err, "module sub-command execution interrupted")
		}
		if err := c.Exec.Execute(ctx, cmd); err != nil {
			return catalogerr.Wrap(catalogerr.InvalidFunctionDefinition, err,
				"module %q sub-command failed: %s", spec.Name, cmd)
		}
	}
	return nil
}
