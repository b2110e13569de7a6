// Package cluster provides distributed coordination for multiple gateway
// replicas using the alan UDP peer discovery library: it gossips C10
// channel-manager blacklist entries so that once one replica cools a
// (provider, model) pair down, every replica steers away from it instead of
// rediscovering the failure independently.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/alan"
)

// msgTypeExclude identifies a blacklist-exclude broadcast message.
const msgTypeExclude = "exclude"

// clusterMessage is the JSON envelope for messages sent between peers.
type clusterMessage struct {
	Type            string  `json:"type"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	CooldownSeconds float64 `json:"cooldown_seconds,omitempty"`
}

// Cluster wraps an alan instance with gateway-specific distributed
// coordination: blacklist gossip only.
type Cluster struct {
	alan *alan.Alan
}

// New creates a Cluster from the server's alan configuration.
// Returns nil, nil if cfg is nil (clustering disabled, single-instance mode).
func New(cfg *alan.Config) (*Cluster, error) {
	if cfg == nil {
		return nil, nil
	}

	a, err := alan.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("create alan instance: %w", err)
	}

	return &Cluster{alan: a}, nil
}

// Start begins the alan peer discovery system in the background. onExclude
// is invoked when this instance receives a blacklist broadcast from another
// peer, so the local channelmgr.Manager can be updated to match.
//
// Start blocks until the context is cancelled; run it in a goroutine.
func (c *Cluster) Start(ctx context.Context, onExclude func(provider, model string, cooldown time.Duration)) error {
	c.alan.OnPeerJoin(func(addr *net.UDPAddr) {
		slog.Info("cluster peer joined", "addr", addr.String())
	})

	c.alan.OnPeerLeave(func(addr *net.UDPAddr) {
		slog.Info("cluster peer left", "addr", addr.String())
	})

	handler := func(_ context.Context, msg alan.Message) {
		var cm clusterMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			slog.Warn("cluster: invalid message", "from", msg.Addr, "error", err)
			return
		}

		switch cm.Type {
		case msgTypeExclude:
			slog.Debug("cluster: received blacklist exclude from peer",
				"from", msg.Addr, "provider", cm.Provider, "model", cm.Model)

			if onExclude != nil {
				onExclude(cm.Provider, cm.Model, time.Duration(cm.CooldownSeconds*float64(time.Second)))
			}

			if msg.IsRequest() {
				c.alan.Reply(msg, []byte("ok")) //nolint:errcheck
			}

		default:
			slog.Debug("cluster: unknown message type", "type", cm.Type, "from", msg.Addr)
		}
	}

	return c.alan.Start(ctx, handler)
}

// Stop gracefully leaves the cluster.
func (c *Cluster) Stop() error {
	return c.alan.Stop()
}

// BroadcastExclude tells all peers to blacklist (provider, model) for
// cooldown, mirroring the local channelmgr.Manager.Exclude call the
// request handler (C6) just made.
func (c *Cluster) BroadcastExclude(ctx context.Context, provider, model string, cooldown time.Duration) error {
	peers := c.alan.Peers()
	if len(peers) == 0 {
		return nil
	}

	cm := clusterMessage{
		Type:            msgTypeExclude,
		Provider:        provider,
		Model:           model,
		CooldownSeconds: cooldown.Seconds(),
	}

	data, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("marshal cluster message: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	replies, err := c.alan.SendAndWaitReply(broadcastCtx, data)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("broadcast exclude: %w", err)
	}

	if len(replies) < len(peers) {
		slog.Warn("cluster: not all peers acknowledged blacklist exclude",
			"expected", len(peers), "received", len(replies),
			"provider", provider, "model", model,
		)
	}

	return nil
}

// Ready returns a channel that is closed when the cluster is ready.
func (c *Cluster) Ready() <-chan struct{} {
	return c.alan.Ready()
}
