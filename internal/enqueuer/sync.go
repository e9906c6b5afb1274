package enqueuer

import (
	"context"
	"encoding/json"
	"log"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// SyncArgs is the payload of a replicated subscribe or unsubscribe.
type SyncArgs struct {
	Target  domain.Target   `json:"target"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Replicate applies peers' subscribe and unsubscribe commands for typ through
// the given local functions. The local functions must not broadcast again.
func (d Deps) Replicate(
	typ domain.EventType,
	subscribe func(ctx context.Context, target domain.Target, opts any) error,
	unsubscribe func(ctx context.Context, target domain.Target) error,
) {
	if d.Commander == nil {
		return
	}

	d.Commander.HandleSync(typ, MethodSubscribe, func(ctx context.Context, raw json.RawMessage) error {
		var args SyncArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return subscribe(ctx, args.Target, args.Options)
	})
	d.Commander.HandleSync(typ, MethodUnsubscribe, func(ctx context.Context, raw json.RawMessage) error {
		var args SyncArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return unsubscribe(ctx, args.Target)
	})
}

// Broadcast mirrors a local subscribe or unsubscribe to peers. Failures are
// logged: the local change already happened.
func (d Deps) Broadcast(ctx context.Context, typ domain.EventType, method string, target domain.Target, opts any) {
	if d.Commander == nil {
		return
	}

	args := SyncArgs{Target: target}
	if opts != nil {
		raw, err := json.Marshal(opts)
		if err != nil {
			log.Printf("cluster: encode %s %s options: %v", typ, method, err)
			return
		}
		args.Options = raw
	}
	if err := d.Commander.Sync(ctx, typ, method, args); err != nil {
		log.Printf("cluster: broadcast %s %s for %s failed: %v", typ, method, target.Cwd, err)
	}
}
