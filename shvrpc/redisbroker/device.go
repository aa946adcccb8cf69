package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/shv-http-gateway/shvrpc"
	"github.com/redis/go-redis/v9"
)

// Device serves the nodes below one mount point. Requests for the mount
// arrive on a Redis stream and replies are pushed to per-request lists.
type Device struct {
	b     *Broker
	mount string

	mu       sync.RWMutex
	handlers map[string]map[string]shvrpc.MethodHandler
	lastID   string
}

// NewDevice creates a device for mount. Nothing is visible to clients until
// Register is called.
func (b *Broker) NewDevice(mount string) *Device {
	return &Device{
		b:        b,
		mount:    strings.Trim(mount, "/"),
		handlers: make(map[string]map[string]shvrpc.MethodHandler),
		lastID:   "0",
	}
}

// Handle serves method on the node at relPath below the mount point.
func (d *Device) Handle(relPath, method string, h shvrpc.MethodHandler) {
	relPath = strings.Trim(relPath, "/")
	d.mu.Lock()
	defer d.mu.Unlock()
	node, ok := d.handlers[relPath]
	if !ok {
		node = make(map[string]shvrpc.MethodHandler)
		d.handlers[relPath] = node
	}
	node[method] = h
}

// Register announces the mount point. Only requests issued after Register
// returns are served.
func (d *Device) Register(ctx context.Context) error {
	msgs, err := d.b.rdb.XRevRangeN(ctx, d.b.streamKey(d.mount), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read stream tail: %w", err)
	}
	d.mu.Lock()
	if len(msgs) > 0 {
		d.lastID = msgs[0].ID
	}
	d.mu.Unlock()
	return d.b.rdb.SAdd(ctx, d.b.mountsKey(), d.mount).Err()
}

// Serve handles requests until ctx ends. The mount point is withdrawn on
// return.
func (d *Device) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		_ = d.b.rdb.SRem(context.WithoutCancel(ctx), d.b.mountsKey(), d.mount).Err()
	}()

	key := d.b.streamKey(d.mount)
	d.mu.RLock()
	start := d.lastID
	d.mu.RUnlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := d.b.rdb.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: 500 * time.Millisecond}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read requests: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var req request
				if err := json.Unmarshal(payload(m.Values["d"]), &req); err != nil || req.Reply == "" {
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.serveRequest(ctx, req)
				}()
			}
		}
	}
}

func (d *Device) serveRequest(ctx context.Context, req request) {
	var rep reply
	res, err := d.dispatch(ctx, req)
	if err != nil {
		var re *shvrpc.RpcError
		if !errors.As(err, &re) {
			re = shvrpc.NewRpcError(shvrpc.CodeMethodCallException, err.Error())
		}
		rep.Error = re
	} else {
		rep.Result = res
	}
	data, err := json.Marshal(rep)
	if err != nil {
		data, _ = json.Marshal(reply{Error: shvrpc.NewRpcError(shvrpc.CodeInternalError, err.Error())})
	}

	c := context.WithoutCancel(ctx)
	pipe := d.b.rdb.TxPipeline()
	pipe.LPush(c, req.Reply, data)
	pipe.Expire(c, req.Reply, d.b.replyTTL)
	_, _ = pipe.Exec(c)
}

func (d *Device) dispatch(ctx context.Context, req request) (shvrpc.Value, error) {
	d.mu.RLock()
	if req.Method == "ls" {
		defer d.mu.RUnlock()
		paths := make([]string, 0, len(d.handlers))
		for p := range d.handlers {
			paths = append(paths, p)
		}
		children, ok := shvrpc.ListChildren(paths, req.Path)
		if !ok {
			return nil, shvrpc.NewRpcError(shvrpc.CodeMethodNotFound, "Invalid shv path")
		}
		return shvrpc.NewValue(children)
	}
	h, ok := d.handlers[req.Path][req.Method]
	d.mu.RUnlock()
	if !ok {
		return nil, shvrpc.NewRpcError(shvrpc.CodeMethodNotFound, fmt.Sprintf("Method %s:%s does not exist", req.Path, req.Method))
	}
	return h(ctx, req.Param)
}

// Signal emits a signal from the node at relPath below the mount point.
func (d *Device) Signal(ctx context.Context, relPath, method, signal string, param shvrpc.Value) error {
	path := d.mount
	if relPath = strings.Trim(relPath, "/"); relPath != "" {
		path += "/" + relPath
	}
	return d.b.Publish(ctx, shvrpc.Message{Path: path, Method: method, Signal: signal, Param: param})
}

func payload(v any) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprint(v))
	}
}
