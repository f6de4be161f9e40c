package dirmi

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-dirmi/codec"
	"github.com/joeycumines/go-dirmi/ident"
	"github.com/joeycumines/go-dirmi/stubsupport"
)

// adminObjectID is the well-known Identifier every session reserves for its
// own Admin object, per spec.md §4.5. Both sides recognize the zero
// Identifier as "the admin object" without any lookup/negotiation, since
// every session exports exactly one.
var adminObjectID = ident.Identifier{}

// adminRemoteInfo describes the Admin interface's methods -- hand-written
// here exactly the way a generator would produce it for any other exported
// interface, per spec.md §9's no-codegen design note. Selector indices are
// positional (RemoteInfo.Selector), so both sides must list methods in this
// same order.
var adminRemoteInfo = &ident.RemoteInfo{
	Name: "dirmi.Admin",
	Methods: []ident.MethodDescriptor{
		{Name: "SetRemoteServer", Asynchronous: true},
		{Name: "GetRemoteInfo"},
		{Name: "Disposed", Asynchronous: true},
		{Name: "DisposedBatch", Asynchronous: true},
		{Name: "Heartbeat", Asynchronous: true},
		{Name: "Closed", Asynchronous: true},
	},
}

func adminSelector(name string) uint32 {
	sel, ok := adminRemoteInfo.Selector(name)
	if !ok {
		panic(fmt.Sprintf("dirmi: admin interface has no method %q", name))
	}
	return sel
}

// newAdminDispatchTable builds the skeleton-side dispatch table for a
// Session's own Admin object: target is always the *Session itself.
func newAdminDispatchTable() *stubsupport.DispatchTable {
	table := stubsupport.NewDispatchTable(adminRemoteInfo)
	table.Bind("SetRemoteServer", func(target any, in *codec.Input, out *codec.Output) error {
		v, err := in.GetValue()
		if err != nil {
			return err
		}
		target.(*Session).handleSetRemoteServer(v)
		return nil
	})
	table.Bind("GetRemoteInfo", func(target any, in *codec.Input, out *codec.Output) error {
		raw, err := in.GetValue()
		if err != nil {
			return err
		}
		id, ok := raw.(ident.Identifier)
		if !ok {
			return fmt.Errorf("dirmi: GetRemoteInfo: malformed identifier argument")
		}
		info, err := target.(*Session).handleGetRemoteInfo(id)
		if err != nil {
			return err
		}
		return out.PutValue(info)
	})
	table.Bind("Disposed", func(target any, in *codec.Input, out *codec.Output) error {
		raw, err := in.GetValue()
		if err != nil {
			return err
		}
		id, ok := raw.(ident.Identifier)
		if !ok {
			return fmt.Errorf("dirmi: Disposed: malformed identifier argument")
		}
		target.(*Session).handleDisposed(id)
		return nil
	})
	table.Bind("DisposedBatch", func(target any, in *codec.Input, out *codec.Output) error {
		raw, err := in.GetValue()
		if err != nil {
			return err
		}
		ids, ok := raw.([]ident.Identifier)
		if !ok {
			return fmt.Errorf("dirmi: DisposedBatch: malformed identifier slice argument")
		}
		target.(*Session).handleDisposedBatch(ids)
		return nil
	})
	table.Bind("Heartbeat", func(target any, in *codec.Input, out *codec.Output) error {
		target.(*Session).handleHeartbeat()
		return nil
	})
	table.Bind("Closed", func(target any, in *codec.Input, out *codec.Output) error {
		target.(*Session).handlePeerClosed()
		return nil
	})
	return table
}

// adminStub is the session's hand-written client-side view of the peer's
// Admin object -- the same shape any other exported interface's generated
// stub would take, built on Session.callRemote.
type adminStub struct {
	session *Session
}

func (a *adminStub) setRemoteServer(ctx context.Context, obj any) error {
	_, err := a.session.callRemote(ctx, adminObjectID, adminSelector("SetRemoteServer"), []any{obj}, true)
	return err
}

func (a *adminStub) getRemoteInfo(ctx context.Context, id ident.Identifier) (*ident.RemoteInfo, error) {
	v, err := a.session.callRemote(ctx, adminObjectID, adminSelector("GetRemoteInfo"), []any{id}, false)
	if err != nil {
		return nil, err
	}
	info, ok := v.(*ident.RemoteInfo)
	if !ok {
		return nil, fmt.Errorf("dirmi: GetRemoteInfo: unexpected response type %T", v)
	}
	return info, nil
}

func (a *adminStub) disposed(ctx context.Context, id ident.Identifier) error {
	_, err := a.session.callRemote(ctx, adminObjectID, adminSelector("Disposed"), []any{id}, true)
	return err
}

func (a *adminStub) disposedBatch(ctx context.Context, ids []ident.Identifier) error {
	_, err := a.session.callRemote(ctx, adminObjectID, adminSelector("DisposedBatch"), []any{ids}, true)
	return err
}

func (a *adminStub) heartbeat(ctx context.Context) error {
	_, err := a.session.callRemote(ctx, adminObjectID, adminSelector("Heartbeat"), nil, true)
	return err
}

func (a *adminStub) closed(ctx context.Context) error {
	_, err := a.session.callRemote(ctx, adminObjectID, adminSelector("Closed"), nil, true)
	return err
}
