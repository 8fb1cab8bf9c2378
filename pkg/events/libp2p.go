package events

import (
	"context"
	"encoding/json"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/util"
)

type Libp2pConfig struct {
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/9000
	Bootstrap  []string // full peer multiaddrs including /p2p/<id>
	Topic      string
	Logger     *zap.SugaredLogger
}

// Libp2pBus carries status messages over a gossipsub topic so that intake,
// workers and websocket servers can run as separate processes. Messages
// published locally are also delivered to local subscribers.
type Libp2pBus struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

func NewLibp2pBus(ctx context.Context, cfg Libp2pConfig) (*Libp2pBus, error) {
	log := util.OrNop(cfg.Logger)
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, err
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return &Libp2pBus{h: h, ps: ps, topic: topic, log: log}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Addrs returns dialable addresses of this host, suitable as Bootstrap
// entries for other processes.
func (b *Libp2pBus) Addrs() []string {
	suffix := "/p2p/" + b.h.ID().String()
	out := make([]string, 0, len(b.h.Addrs()))
	for _, a := range b.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// Connect dials another bus given one of its Addrs.
func (b *Libp2pBus) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, b.h, addr)
}

// Peers lists the peers currently in the topic mesh.
func (b *Libp2pBus) Peers() []peer.ID { return b.topic.ListPeers() }

func (b *Libp2pBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.topic.Publish(ctx, data)
}

func (b *Libp2pBus) Subscribe(ctx context.Context) (<-chan Message, func(), error) {
	sub, err := b.topic.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Message, memoryBufferSize)

	go func() {
		defer close(out)
		for {
			raw, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				b.log.Warnw("event_decode_failed", "from", raw.ReceivedFrom.String(), "err", err)
				continue
			}
			select {
			case out <- msg:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, func() {
		cancel()
		sub.Cancel()
	}, nil
}

// Close leaves the topic and shuts the host down. Subscriptions must be
// cancelled first.
func (b *Libp2pBus) Close() error {
	if err := b.topic.Close(); err != nil {
		b.log.Warnw("topic_close_failed", "err", err)
	}
	return b.h.Close()
}

var _ Bus = (*Libp2pBus)(nil)
