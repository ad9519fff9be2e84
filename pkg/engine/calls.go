package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/statehub-protocol/statehub-go/pkg/broker"
	"github.com/statehub-protocol/statehub-go/pkg/model"
	"github.com/statehub-protocol/statehub-go/pkg/wire"
)

// Cache key prefixes. Mutations reset the matching read keys.
const (
	cacheKeyGetState   = "getState_"
	cacheKeyGetStates  = "getStates_"
	cacheKeyGetObject  = "getObject_"
	cacheKeyGetObjects = "getObjects_"
	cacheKeyReadFile   = "readFile_"
	cacheKeyVersion    = "getVersion"
)

// decodeFunc turns a reply into the call's result value.
type decodeFunc func(reply *wire.Message) (any, error)

// Call issues one brokered request on the transport and returns its
// future. The high-level helpers below are thin wrappers; use Call
// directly for operations the helpers do not cover.
func (e *Engine) Call(opts broker.Options, msg *wire.Message, decode decodeFunc) *broker.Future {
	return e.broker.Call(msg.Method, opts, func(c *broker.Call) error {
		return e.transport.Request(msg, func(reply *wire.Message, err error) {
			if c.Elapsed() {
				return // timer already rejected the future
			}
			if err != nil {
				c.Reject(err)
				return
			}
			if reply.Error != "" {
				rejectWireError(c, reply.Error)
				return
			}
			if decode == nil {
				c.Resolve(nil)
				return
			}
			value, derr := decode(reply)
			if derr != nil {
				c.Reject(derr)
				return
			}
			c.Resolve(value)
		})
	})
}

// rejectWireError maps the out-of-band error sentinels onto the broker's
// error taxonomy. Permission denials are definitive and stay cached;
// everything else is evicted so callers can retry.
func rejectWireError(c *broker.Call, text string) {
	switch text {
	case wire.ErrorPermissionDenied:
		c.RejectCached(broker.ErrPermissionDenied)
	case wire.ErrorNotConnected:
		c.Reject(broker.ErrNotConnected)
	default:
		c.Reject(errors.New(text))
	}
}

func (e *Engine) do(ctx context.Context, opts broker.Options, msg *wire.Message, decode decodeFunc) (any, error) {
	return e.Call(opts, msg, decode).Wait(ctx)
}

// GetState reads a single state value. Results are cached per id until
// a write or an explicit refresh.
func (e *Engine) GetState(ctx context.Context, id string) (*model.State, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: cacheKeyGetState + id},
		&wire.Message{Method: wire.MethodGetState, TargetID: id},
		func(reply *wire.Message) (any, error) {
			return decodeStatePayload(reply.Payload)
		},
	)
	if err != nil {
		return nil, err
	}
	st, _ := value.(*model.State)
	return st, nil
}

// SetState writes a state value and invalidates its cached read.
func (e *Engine) SetState(ctx context.Context, id string, st *model.State) error {
	_, err := e.do(ctx,
		broker.Options{},
		&wire.Message{Method: wire.MethodSetState, TargetID: id, Payload: st},
		nil,
	)
	if err != nil {
		return err
	}
	e.broker.ResetCache(cacheKeyGetState+id, false)
	e.broker.ResetCache(cacheKeyGetStates, true)
	return nil
}

// SetValue is a shorthand for writing an unacknowledged value (a
// command to the owning device).
func (e *Engine) SetValue(ctx context.Context, id string, val any) error {
	return e.SetState(ctx, id, &model.State{Val: val, Ack: false})
}

// GetStates reads all states matching the pattern in one bulk call.
// Results are cached per pattern.
func (e *Engine) GetStates(ctx context.Context, pat string) (map[string]*model.State, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: cacheKeyGetStates + pat},
		&wire.Message{Method: wire.MethodGetStates, TargetID: pat},
		func(reply *wire.Message) (any, error) {
			var changes []model.StateChange
			if err := wire.DecodePayload(reply.Payload, &changes); err != nil {
				return nil, err
			}
			states := make(map[string]*model.State, len(changes))
			for _, ch := range changes {
				states[ch.ID] = ch.State
			}
			return states, nil
		},
	)
	if err != nil {
		return nil, err
	}
	states, _ := value.(map[string]*model.State)
	return states, nil
}

// GetObject reads a single object. Results are cached per id.
func (e *Engine) GetObject(ctx context.Context, id string) (*model.Object, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: cacheKeyGetObject + id},
		&wire.Message{Method: wire.MethodGetObject, TargetID: id},
		func(reply *wire.Message) (any, error) {
			return decodeObjectPayload(reply.Payload)
		},
	)
	if err != nil {
		return nil, err
	}
	obj, _ := value.(*model.Object)
	return obj, nil
}

// SetObject writes an object and invalidates the affected read caches.
func (e *Engine) SetObject(ctx context.Context, obj *model.Object) error {
	if obj == nil || obj.ID == "" {
		return fmt.Errorf("setObject: object with an id is required")
	}
	_, err := e.do(ctx,
		broker.Options{},
		&wire.Message{Method: wire.MethodSetObject, TargetID: obj.ID, Payload: obj},
		nil,
	)
	if err != nil {
		return err
	}
	e.broker.ResetCache(cacheKeyGetObject+obj.ID, false)
	e.broker.ResetCache(cacheKeyGetObjects, true)
	return nil
}

// DelObject deletes an object and invalidates the affected read caches.
func (e *Engine) DelObject(ctx context.Context, id string) error {
	_, err := e.do(ctx,
		broker.Options{},
		&wire.Message{Method: wire.MethodDelObject, TargetID: id},
		nil,
	)
	if err != nil {
		return err
	}
	e.broker.ResetCache(cacheKeyGetObject+id, false)
	e.broker.ResetCache(cacheKeyGetObjects, true)
	return nil
}

// GetObjects reads all objects matching the pattern in one bulk call.
// Results are cached per pattern.
func (e *Engine) GetObjects(ctx context.Context, pat string) (map[string]*model.Object, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: cacheKeyGetObjects + pat},
		&wire.Message{Method: wire.MethodGetObjects, TargetID: pat},
		func(reply *wire.Message) (any, error) {
			var changes []model.ObjectChange
			if err := wire.DecodePayload(reply.Payload, &changes); err != nil {
				return nil, err
			}
			objects := make(map[string]*model.Object, len(changes))
			for _, ch := range changes {
				objects[ch.ID] = ch.Object
			}
			return objects, nil
		},
	)
	if err != nil {
		return nil, err
	}
	objects, _ := value.(map[string]*model.Object)
	return objects, nil
}

// filePayload is the wire shape of file content.
type filePayload struct {
	Data []byte `cbor:"data"`
	Mime string `cbor:"mime,omitempty"`
}

// ReadFile reads a file from the given namespace. Requires the files
// capability. Content is cached per path.
func (e *Engine) ReadFile(ctx context.Context, namespace, path string) ([]byte, string, error) {
	value, err := e.do(ctx,
		broker.Options{
			CacheKey: cacheKeyReadFile + namespace + "/" + path,
			Require:  []broker.Capability{CapabilityFiles},
		},
		&wire.Message{Method: wire.MethodReadFile, TargetID: namespace, Filename: path},
		func(reply *wire.Message) (any, error) {
			var file filePayload
			if err := wire.DecodePayload(reply.Payload, &file); err != nil {
				return nil, err
			}
			return file, nil
		},
	)
	if err != nil {
		return nil, "", err
	}
	file, _ := value.(filePayload)
	return file.Data, file.Mime, nil
}

// WriteFile writes a file into the given namespace. Requires the files
// capability.
func (e *Engine) WriteFile(ctx context.Context, namespace, path string, data []byte) error {
	_, err := e.do(ctx,
		broker.Options{Require: []broker.Capability{CapabilityFiles}},
		&wire.Message{
			Method:   wire.MethodWriteFile,
			TargetID: namespace,
			Filename: path,
			Payload:  filePayload{Data: data},
		},
		nil,
	)
	if err != nil {
		return err
	}
	e.broker.ResetCache(cacheKeyReadFile+namespace+"/"+path, false)
	return nil
}

// DeleteFile removes a file. Requires the files capability.
func (e *Engine) DeleteFile(ctx context.Context, namespace, path string) error {
	_, err := e.do(ctx,
		broker.Options{Require: []broker.Capability{CapabilityFiles}},
		&wire.Message{Method: wire.MethodDeleteFile, TargetID: namespace, Filename: path},
		nil,
	)
	if err != nil {
		return err
	}
	e.broker.ResetCache(cacheKeyReadFile+namespace+"/"+path, false)
	return nil
}

// ReadDir lists a directory. Requires the files capability.
func (e *Engine) ReadDir(ctx context.Context, namespace, path string) ([]model.FileInfo, error) {
	value, err := e.do(ctx,
		broker.Options{Require: []broker.Capability{CapabilityFiles}},
		&wire.Message{Method: wire.MethodReadDir, TargetID: namespace, Filename: path},
		func(reply *wire.Message) (any, error) {
			var entries []model.FileInfo
			if err := wire.DecodePayload(reply.Payload, &entries); err != nil {
				return nil, err
			}
			return entries, nil
		},
	)
	if err != nil {
		return nil, err
	}
	entries, _ := value.([]model.FileInfo)
	return entries, nil
}

// instanceMessage is the wire shape of an instance-to-instance message.
type instanceMessage struct {
	Command string `cbor:"command"`
	Data    any    `cbor:"data,omitempty"`
}

// SendTo sends an opaque command to another instance and returns its
// reply payload.
func (e *Engine) SendTo(ctx context.Context, instance, command string, data any) (any, error) {
	return e.do(ctx,
		broker.Options{},
		&wire.Message{
			Method:   wire.MethodSendTo,
			TargetID: instance,
			Payload:  instanceMessage{Command: command, Data: data},
		},
		func(reply *wire.Message) (any, error) {
			return reply.Payload, nil
		},
	)
}

// Version reports the hub version. Cached for the session.
func (e *Engine) Version(ctx context.Context) (string, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: cacheKeyVersion},
		&wire.Message{Method: wire.MethodGetVersion},
		func(reply *wire.Message) (any, error) {
			var version string
			if err := wire.DecodePayload(reply.Payload, &version); err != nil {
				return nil, err
			}
			return version, nil
		},
	)
	if err != nil {
		return "", err
	}
	version, _ := value.(string)
	return version, nil
}

// fetchPermissions loads the session permission map during bootstrap.
func (e *Engine) fetchPermissions(ctx context.Context) (map[string]bool, error) {
	value, err := e.do(ctx,
		broker.Options{CacheKey: wire.MethodGetPermissions},
		&wire.Message{Method: wire.MethodGetPermissions},
		func(reply *wire.Message) (any, error) {
			var perms map[string]bool
			if err := wire.DecodePayload(reply.Payload, &perms); err != nil {
				return nil, err
			}
			return perms, nil
		},
	)
	if err != nil {
		return nil, err
	}
	perms, _ := value.(map[string]bool)
	return perms, nil
}
