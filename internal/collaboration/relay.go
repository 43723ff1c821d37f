package collaboration

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
)

// Relay fans committed states and presence frames out across server
// instances over Redis pub/sub. Each document maps to one channel; every
// instance subscribes to all of them and replays foreign frames into its
// local session rooms. Frames carry the publishing instance's id so an
// instance never replays its own traffic.
type Relay struct {
	client     *redis.Client
	instanceID string
	manager    *SessionManager

	cancel context.CancelFunc
}

type relayEnvelope struct {
	Instance   string          `json:"instance"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload"`
}

const relayChannelPrefix = "doc:"

// NewRelay connects to Redis and verifies the connection.
func NewRelay(ctx context.Context, addr string) (*Relay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("✓ Redis relay connected: %s", addr)

	return &Relay{
		client:     client,
		instanceID: ksuid.New().String(),
	}, nil
}

// Start subscribes to every document channel and replays foreign frames
// locally until Close is called.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")

	go func() {
		defer sub.Close()
		for msg := range sub.Channel() {
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("Relay: dropping malformed envelope: %v", err)
				continue
			}
			if env.Instance == r.instanceID {
				continue
			}
			r.manager.broadcastLocal(env.DocumentID, env.Payload)
		}
	}()
}

// Publish sends a frame to peer instances. Best effort: a publish failure
// only costs remote clients a broadcast, and they recover by requesting
// current state.
func (r *Relay) Publish(documentID string, payload []byte) {
	env, err := json.Marshal(relayEnvelope{
		Instance:   r.instanceID,
		DocumentID: documentID,
		Payload:    payload,
	})
	if err != nil {
		return
	}
	if err := r.client.Publish(context.Background(), relayChannelPrefix+documentID, env).Err(); err != nil {
		log.Printf("Relay: publish failed for document %s: %v", documentID, err)
	}
}

// Close stops the subscription loop and releases the Redis connection.
func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
