package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/flylive/msab/internal/v1/metrics"
)

// ErrCannotConsume is returned when the router cannot serve a producer with
// the consumer's RTP capabilities.
var ErrCannotConsume = errors.New("Cannot consume")

// Router is the per-room forwarding unit hosted on one worker. All media
// operations of a room go through its router.
type Router struct {
	id     string
	caps   json.RawMessage
	worker *Worker
}

// ID is the worker-assigned router id.
func (r *Router) ID() string { return r.id }

// RTPCapabilities is the router's codec surface, sent to clients in the join
// ack so they can build their device.
func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

// TransportInfo is the worker's answer to createTransport, passed through to
// the client ack unchanged.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ConsumerInfo is the worker's answer to createConsumer. Consumers start
// paused; the client resumes after wiring its pipeline.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type createRouterResult struct {
	RouterID        string          `json:"routerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// createRouter allocates a router on the worker and registers it for load
// accounting.
func createRouter(ctx context.Context, w *Worker) (*Router, error) {
	var res createRouterResult
	if err := w.ch.call(ctx, "createRouter", nil, &res); err != nil {
		return nil, err
	}
	w.addRouter(res.RouterID)
	metrics.ActiveRouters.Inc()
	return &Router{id: res.RouterID, caps: res.RTPCapabilities, worker: w}, nil
}

// Worker returns the hosting worker. Placement is sticky for the router's
// lifetime.
func (r *Router) Worker() *Worker { return r.worker }

// Close releases the router on the worker. Safe to call after a crash; the
// dead channel error is swallowed because the routers died with the process.
func (r *Router) Close(ctx context.Context) error {
	r.worker.removeRouter(r.id)
	metrics.ActiveRouters.Dec()
	err := r.worker.ch.call(ctx, "closeRouter", map[string]any{"routerId": r.id}, nil)
	if errors.Is(err, ErrChannelClosed) {
		return nil
	}
	return err
}

// CreateTransport allocates a WebRTC transport for one direction.
func (r *Router) CreateTransport(ctx context.Context, role string) (*TransportInfo, error) {
	var info TransportInfo
	err := r.worker.ch.call(ctx, "createTransport", map[string]any{
		"routerId": r.id,
		"role":     role,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ConnectTransport passes the client's DTLS parameters to the worker.
func (r *Router) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return r.worker.ch.call(ctx, "connectTransport", map[string]any{
		"routerId":       r.id,
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	}, nil)
}

// CloseTransport releases a transport and everything attached to it.
func (r *Router) CloseTransport(ctx context.Context, transportID string) error {
	return r.worker.ch.call(ctx, "closeTransport", map[string]any{
		"routerId":    r.id,
		"transportId": transportID,
	}, nil)
}

// CreateProducer attaches an audio producer to a send transport.
func (r *Router) CreateProducer(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := r.worker.ch.call(ctx, "createProducer", map[string]any{
		"routerId":      r.id,
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": rtpParameters,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

// PauseProducer stops forwarding a producer's media without closing it.
// Owner-mute and self-mute both land here.
func (r *Router) PauseProducer(ctx context.Context, producerID string) error {
	return r.worker.ch.call(ctx, "pauseProducer", map[string]any{
		"routerId":   r.id,
		"producerId": producerID,
	}, nil)
}

// ResumeProducer undoes PauseProducer.
func (r *Router) ResumeProducer(ctx context.Context, producerID string) error {
	return r.worker.ch.call(ctx, "resumeProducer", map[string]any{
		"routerId":   r.id,
		"producerId": producerID,
	}, nil)
}

// CloseProducer releases a producer.
func (r *Router) CloseProducer(ctx context.Context, producerID string) error {
	return r.worker.ch.call(ctx, "closeProducer", map[string]any{
		"routerId":   r.id,
		"producerId": producerID,
	}, nil)
}

// CreateConsumer attaches a paused consumer for an existing producer to a
// receive transport.
func (r *Router) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	var info ConsumerInfo
	err := r.worker.ch.call(ctx, "createConsumer", map[string]any{
		"routerId":        r.id,
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	}, &info)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "cannot consume") {
			return nil, ErrCannotConsume
		}
		return nil, err
	}
	return &info, nil
}

// ResumeConsumer unpauses a consumer created by CreateConsumer.
func (r *Router) ResumeConsumer(ctx context.Context, consumerID string) error {
	return r.worker.ch.call(ctx, "resumeConsumer", map[string]any{
		"routerId":   r.id,
		"consumerId": consumerID,
	}, nil)
}

// CloseConsumer releases a consumer.
func (r *Router) CloseConsumer(ctx context.Context, consumerID string) error {
	return r.worker.ch.call(ctx, "closeConsumer", map[string]any{
		"routerId":   r.id,
		"consumerId": consumerID,
	}, nil)
}

// ObserveActiveSpeaker starts the worker-side dominant-speaker observer for
// this router. The handler receives the dominant producer id, throttled by
// the worker to one event per intervalMs.
func (r *Router) ObserveActiveSpeaker(ctx context.Context, intervalMs int, handler func(producerID string)) error {
	r.worker.setSpeakerObserver(r.id, handler)
	return r.worker.ch.call(ctx, "observeActiveSpeaker", map[string]any{
		"routerId": r.id,
		"interval": intervalMs,
	}, nil)
}
