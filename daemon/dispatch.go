package daemon

import (
	"context"

	"github.com/KeckObservatory/mKTL/errors"
	"github.com/KeckObservatory/mKTL/protocol"
)

// HandleRequest implements request.Handler: the daemon's dispatch of
// GET, SET, HASH, and CONFIG. Handler errors are converted to error
// payloads by the transport; the request is complete either way.
func (d *Daemon) HandleRequest(ctx context.Context, req *protocol.Message) (*protocol.Payload, error) {
	switch req.Type {
	case protocol.TypeGet:
		return d.handleGet(ctx, req)
	case protocol.TypeSet:
		return d.handleSet(ctx, req)
	case protocol.TypeHash:
		return d.handleHash(req)
	case protocol.TypeConfig:
		return d.handleConfig(req)
	default:
		return nil, errors.Newf(errors.KindValue, "unhandled request type: %s", req.Type)
	}
}

// itemFor resolves an item operation's target against this daemon.
func (d *Daemon) itemFor(target string) (storeName, key string, err error) {
	storeName, key = protocol.SplitTarget(target)

	if key == "" {
		return "", "", errors.Newf(errors.KindValue,
			"invalid request, %q does not name an item", target)
	}
	if storeName != d.StoreName {
		return "", "", errors.Newf(errors.KindValue,
			"this request is for %q, but this daemon is in %q", storeName, d.StoreName)
	}
	if _, ok := d.block.Items[key]; !ok {
		return "", "", errors.Newf(errors.KindKey,
			"this daemon does not contain %q", key)
	}

	return storeName, key, nil
}

func (d *Daemon) handleGet(ctx context.Context, req *protocol.Message) (*protocol.Payload, error) {
	_, key, err := d.itemFor(req.Target)
	if err != nil {
		return nil, err
	}

	item, err := d.Store.Get(key)
	if err != nil {
		return nil, err
	}

	return item.HandleGet(ctx, req.Payload)
}

func (d *Daemon) handleSet(ctx context.Context, req *protocol.Message) (*protocol.Payload, error) {
	_, key, err := d.itemFor(req.Target)
	if err != nil {
		return nil, err
	}

	item, err := d.Store.Get(key)
	if err != nil {
		return nil, err
	}

	payload := req.Payload
	if payload != nil && req.Bulk != nil {
		payload.Bulk = req.Bulk
	}

	return item.HandleSet(ctx, payload)
}

func (d *Daemon) handleHash(req *protocol.Message) (*protocol.Payload, error) {
	hashes, err := d.cache.Hashes(req.Target)
	if err != nil {
		return nil, err
	}

	return &protocol.Payload{Value: hashes}, nil
}

func (d *Daemon) handleConfig(req *protocol.Message) (*protocol.Payload, error) {
	if req.Target == "" {
		return nil, errors.New(errors.KindKey, "invalid CONFIG request, target not set")
	}

	// A CONFIG carrying a payload is a push; only registries accept
	// those.
	if req.Payload != nil && req.Payload.Value != nil {
		return nil, errors.New(errors.KindValue,
			"configuration pushes are accepted by registries, not daemons")
	}

	blocks, err := d.cache.Blocks(req.Target)
	if err != nil {
		return nil, err
	}

	return &protocol.Payload{Value: blocks}, nil
}
