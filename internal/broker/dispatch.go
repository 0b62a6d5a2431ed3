package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/organic-programming/dart-holons/internal/envelope"
	"github.com/organic-programming/dart-holons/internal/peerconn"
	"github.com/organic-programming/dart-holons/internal/registry"
)

const (
	routingDirect         = ""
	routingBroadcastReply = "broadcast-response"
	routingFullBroadcast  = "full-broadcast"
	methodHeartbeat       = "rpc.heartbeat"
	methodRegister        = "rpc.register"
	methodUnregister      = "rpc.unregister"
	fanOutPrefix          = "*."
)

// fanEntry is one element of a fan-out aggregate response, or of the
// per-target notification payloads broadcast-response/full-broadcast send.
type fanEntry struct {
	Peer   string          `json:"peer"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *envelope.Error `json:"error,omitempty"`
}

// dispatch runs the full request-handling pipeline for one inbound
// envelope from callerID, using ep to answer the caller. It returns true
// unconditionally — once an envelope has reached dispatch it is always
// either answered or deliberately left unanswered (notifications) by this
// pipeline, never handed back to the endpoint's generic handler lookup.
func (b *Broker) dispatch(ctx context.Context, callerID string, ep *peerconn.Endpoint, env *envelope.Envelope) bool {
	// Step 1: validate jsonrpc/method shape (method non-empty is already
	// guaranteed by the endpoint only calling dispatch for request-shaped
	// envelopes; jsonrpc version is the remaining check).
	if env.JSONRPC != envelope.Version {
		ep.RespondError(env.ID, envelope.NewError(envelope.CodeInvalidRequest, "invalid request"))
		return true
	}

	// Step 2.
	if env.Method == methodHeartbeat {
		ep.RespondResult(env.ID, map[string]any{})
		return true
	}

	// Step 3.
	params, perr := decodeParamsObject(env.Params)
	if perr != nil {
		ep.RespondError(env.ID, perr)
		return true
	}

	// Step 4.
	if env.Method == methodRegister {
		b.handleRegister(callerID, env.ID, ep, params)
		return true
	}

	// Step 5.
	if env.Method == methodUnregister {
		b.reg.Deregister(callerID)
		ep.RespondResult(env.ID, map[string]any{})
		return true
	}

	// Step 6: routing hints.
	stripped, peerHint, routingMode, fanOut, herr := extractRoutingHints(params, env.Method)
	if herr != nil {
		ep.RespondError(env.ID, herr)
		return true
	}
	method := strings.TrimPrefix(env.Method, fanOutPrefix)
	forwardParams, merr := json.Marshal(stripped)
	if merr != nil {
		ep.RespondError(env.ID, envelope.NewErrorf(envelope.CodeInternalBroker, "marshal forwarded params: %v", merr))
		return true
	}

	if fanOut {
		b.dispatchFanOut(ctx, callerID, ep, env.ID, method, forwardParams, routingMode)
		return true
	}

	if peerHint != "" || routeApplies(method) {
		b.dispatchDirected(ctx, callerID, ep, env.ID, method, forwardParams, peerHint, routingMode)
		return true
	}

	// Step 9: local handler fallback.
	b.dispatchLocal(ctx, env.ID, ep, method, forwardParams)
	return true
}

func routeApplies(method string) bool {
	_, ok := registry.ParseDispatchRoute(method)
	return ok
}

func (b *Broker) handleRegister(callerID string, id *string, ep *peerconn.Endpoint, params map[string]any) {
	name, _ := params["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		ep.RespondError(id, envelope.NewError(envelope.CodeInvalidParams, "params.name must be a non-empty string"))
		return
	}
	b.reg.Register(callerID, name)
	ep.RespondResult(id, map[string]any{"peer": callerID, "name": name})
}

func (b *Broker) dispatchLocal(ctx context.Context, id *string, ep *peerconn.Endpoint, method string, rawParams json.RawMessage) {
	h, ok := b.localHandler(method)
	if !ok {
		ep.RespondError(id, envelope.NewErrorf(envelope.CodeMethodNotFound, "method %q not found", method))
		return
	}
	result, err := h(ctx, rawParams)
	if err != nil {
		var rpcErr *envelope.Error
		if errors.As(err, &rpcErr) {
			ep.RespondError(id, rpcErr)
			return
		}
		ep.RespondError(id, envelope.NewErrorf(envelope.CodeInternalBroker, "internal error: %v", err))
		return
	}
	ep.RespondResult(id, envelope.NormalizeResult(result))
}

func (b *Broker) dispatchDirected(ctx context.Context, callerID string, ep *peerconn.Endpoint, id *string, method string, params json.RawMessage, peerHint, routingMode string) {
	target := peerHint
	if target == "" {
		route, ok := registry.ParseDispatchRoute(method)
		if !ok {
			b.dispatchLocal(ctx, id, ep, method, params)
			return
		}
		method = route.Method
		peersUnderName := b.reg.PeersOf(route.HolonName)
		if len(peersUnderName) == 0 {
			ep.RespondError(id, envelope.NewErrorf(envelope.CodeNotFound, "holon %q not found", route.HolonName))
			return
		}
		resolved, ok := b.reg.Resolve(route.HolonName, callerID)
		if !ok {
			ep.RespondError(id, envelope.NewErrorf(envelope.CodeNotFound, "peer for %q not found", route.HolonName))
			return
		}
		target = resolved
	}

	result, err := b.invokePeer(ctx, target, method, params)
	if err != nil {
		var rpcErr *envelope.Error
		if errors.As(err, &rpcErr) {
			ep.RespondError(id, rpcErr)
		} else {
			ep.RespondError(id, envelope.NewErrorf(envelope.CodeInternalBroker, "internal error: %v", err))
		}
		return
	}
	ep.RespondResult(id, envelope.NormalizeResult(result))

	if routingMode == routingBroadcastReply {
		b.notifyExcept([]string{callerID, target}, method, fanEntry{Peer: target, Result: result})
	}
}

func (b *Broker) dispatchFanOut(ctx context.Context, callerID string, ep *peerconn.Endpoint, id *string, method string, params json.RawMessage, routingMode string) {
	targets := b.connectedExcept(callerID)
	if len(targets) == 0 {
		ep.RespondError(id, envelope.NewError(envelope.CodeNotFound, "no connected peers"))
		return
	}

	entries := make([]fanEntry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			result, err := b.invokePeer(gctx, target, method, params)
			entry := fanEntry{Peer: target}
			if err != nil {
				var rpcErr *envelope.Error
				if errors.As(err, &rpcErr) {
					entry.Error = rpcErr
				} else {
					entry.Error = envelope.NewErrorf(envelope.CodeInternalBroker, "internal error: %v", err)
				}
			} else {
				entry.Result = result
			}
			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	ep.RespondResult(id, envelope.NormalizeResult(entries))

	if routingMode == routingFullBroadcast {
		for _, entry := range entries {
			b.notifyExcept([]string{callerID, entry.Peer}, method, entry)
		}
	}
}

func (b *Broker) invokePeer(ctx context.Context, targetID, method string, params json.RawMessage) (json.RawMessage, error) {
	ep, ok := b.peerEndpoint(targetID)
	if !ok {
		return nil, envelope.NewErrorf(envelope.CodeNotFound, "peer %q not found", targetID)
	}
	return ep.Invoke(ctx, method, params)
}

// notifyExcept best-effort notifies every connected peer other than those
// listed in exclude with a {peer, result|error} payload for method.
func (b *Broker) notifyExcept(exclude []string, method string, entry fanEntry) {
	b.mu.RLock()
	recipients := make([]*peerconn.Endpoint, 0, len(b.peers))
	for id, ep := range b.peers {
		if slices.Contains(exclude, id) {
			continue
		}
		recipients = append(recipients, ep)
	}
	b.mu.RUnlock()

	payload := map[string]any{"peer": entry.Peer}
	if entry.Error != nil {
		payload["error"] = entry.Error
	} else {
		payload["result"] = entry.Result
	}

	for _, ep := range recipients {
		go func(ep *peerconn.Endpoint) {
			if err := ep.Notify(method, payload); err != nil {
				b.log.Debug("notify delivery failed", zap.String("method", method), zap.Error(err))
			}
		}(ep)
	}
}

// decodeParamsObject accepts absent/null params as an empty object;
// anything else must decode to a JSON object.
func decodeParamsObject(raw json.RawMessage) (map[string]any, *envelope.Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, envelope.NewError(envelope.CodeInvalidParams, "params must be a JSON object")
	}
	return m, nil
}

// extractRoutingHints strips _routing and _peer from params and determines
// fan-out from the method prefix, per the wire contract's routing sigils.
func extractRoutingHints(params map[string]any, method string) (stripped map[string]any, peerHint, routingMode string, fanOut bool, rpcErr *envelope.Error) {
	stripped = make(map[string]any, len(params))
	for k, v := range params {
		stripped[k] = v
	}

	if raw, ok := stripped["_routing"]; ok {
		mode, ok := raw.(string)
		if !ok || (mode != routingDirect && mode != routingBroadcastReply && mode != routingFullBroadcast) {
			return nil, "", "", false, envelope.NewError(envelope.CodeInvalidParams, "params._routing must be \"\", \"broadcast-response\", or \"full-broadcast\"")
		}
		routingMode = mode
		delete(stripped, "_routing")
	}

	if raw, ok := stripped["_peer"]; ok {
		hint, ok := raw.(string)
		if !ok || hint == "" {
			return nil, "", "", false, envelope.NewError(envelope.CodeInvalidParams, "params._peer must be a non-empty string")
		}
		peerHint = hint
		delete(stripped, "_peer")
	}

	fanOut = strings.HasPrefix(method, fanOutPrefix)
	if routingMode == routingFullBroadcast && !fanOut {
		return nil, "", "", false, envelope.NewError(envelope.CodeInvalidParams, "full-broadcast routing requires a \"*.\" fan-out method")
	}

	return stripped, peerHint, routingMode, fanOut, nil
}
