package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/habibyte/habibyte/gossip"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/observability"
)

const (
	DefaultChainID = "habibyte-global"

	topicPrefix        = "/hb/gossip/0.0.1/"
	ProtocolChainSync  = "/hb/chain-sync/0.0.1"
	defaultSendTimeout = 2 * time.Second
	streamReadTimeout  = time.Second
	discoveryInterval  = 30 * time.Second
	defaultCapacity    = 1000
)

type Observability interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	Logger() *slog.Logger
}

/*
LedgerNetwork is the libp2p transport of the gossip replicator. Broadcasts
are published to the gossipsub topic of the chain, directed messages (chain
sync requests and responses) are sent over short lived streams.

In case of slow consumer up to "capacity" messages are buffered, after that
messages are dropped.
*/
type LedgerNetwork struct {
	self     *Peer
	chainID  string
	ps       *pubsub.PubSub
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	received chan gossip.Inbound
	timeout  time.Duration
	tracer   trace.Tracer
	log      *slog.Logger

	mRecv    metric.Int64Counter
	mDropped metric.Int64Counter
}

func NewLedgerNetwork(ctx context.Context, self *Peer, chainID string, obs Observability) (*LedgerNetwork, error) {
	if self == nil {
		return nil, errors.New("peer is nil")
	}
	if chainID == "" {
		chainID = DefaultChainID
	}
	ps, err := pubsub.NewGossipSub(ctx, self.host, pubsub.WithMessageIdFn(messageID))
	if err != nil {
		return nil, fmt.Errorf("creating gossipsub: %w", err)
	}
	topic, err := ps.Join(topicPrefix + chainID)
	if err != nil {
		return nil, fmt.Errorf("joining topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("subscribing to topic: %w", err), topic.Close())
	}

	n := &LedgerNetwork{
		self:     self,
		chainID:  chainID,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		received: make(chan gossip.Inbound, defaultCapacity),
		timeout:  defaultSendTimeout,
		tracer:   obs.Tracer("LedgerNetwork"),
		log:      obs.Logger(),
	}
	if err := n.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	self.RegisterProtocolHandler(ProtocolChainSync, n.handleStream)
	return n, nil
}

// messageID identifies gossipsub messages by content so that the same
// block published by different nodes is delivered once.
func messageID(m *pb.Message) string {
	return gossip.ContentHash(m.Data)
}

/*
Run forwards messages of the topic subscription to the Received channel
and periodically looks for new peers of the chain using the DHT. Blocks
until ctx is cancelled.
*/
func (n *LedgerNetwork) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.readSubscription(ctx) })
	g.Go(func() error { return n.discoverPeers(ctx) })
	return g.Wait()
}

func (n *LedgerNetwork) readSubscription(ctx context.Context) error {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading topic subscription: %w", err)
		}
		if msg.ReceivedFrom == n.self.ID() {
			continue
		}
		n.receivedMsg(ctx, "gossip", msg.ReceivedFrom, msg.Data)
	}
}

func (n *LedgerNetwork) discoverPeers(ctx context.Context) error {
	ns := topicPrefix + n.chainID
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		if err := n.self.Advertise(ctx, ns); err != nil {
			n.log.DebugContext(ctx, "advertising chain in DHT", logger.Error(err))
		}
		if peers, err := n.self.Discover(ctx, ns); err != nil {
			n.log.DebugContext(ctx, "discovering chain peers", logger.Error(err))
		} else {
			for p := range peers {
				if p.ID == n.self.ID() || len(p.Addrs) == 0 || n.self.Network().Connectedness(p.ID) == libp2pNetwork.Connected {
					continue
				}
				if err := n.self.host.Connect(ctx, p); err != nil {
					n.log.DebugContext(ctx, fmt.Sprintf("connecting to discovered peer %s", p.ID), logger.Error(err))
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Broadcast publishes payload to the chain topic.
func (n *LedgerNetwork) Broadcast(ctx context.Context, payload []byte) (rErr error) {
	ctx, span := n.tracer.Start(ctx, "LedgerNetwork.Broadcast")
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()
	if err := n.topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publishing to topic: %w", err)
	}
	return nil
}

// Send delivers payload to single peer over the chain sync protocol stream.
func (n *LedgerNetwork) Send(ctx context.Context, peerID string, payload []byte) (rErr error) {
	receiver, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", peerID, err)
	}
	ctx, span := n.tracer.Start(ctx, "LedgerNetwork.Send", trace.WithAttributes(attribute.Stringer("receiver", receiver)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()

	// loop-back, libp2p refuses to dial self
	if receiver == n.self.ID() {
		n.receivedMsg(ctx, "direct", receiver, payload)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	s, err := n.self.CreateStream(ctx, receiver, ProtocolChainSync)
	if err != nil {
		return fmt.Errorf("open p2p stream: %w", err)
	}
	deadline, _ := ctx.Deadline()
	if err := s.SetWriteDeadline(deadline); err != nil {
		return errors.Join(fmt.Errorf("setting write deadline: %w", err), s.Reset())
	}
	if err := writeFrame(s, payload); err != nil {
		// reset forces close of both ends of the stream
		return errors.Join(fmt.Errorf("writing data to p2p stream: %w", err), s.Reset())
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing p2p stream: %w", err)
	}
	return nil
}

func (n *LedgerNetwork) handleStream(s libp2pNetwork.Stream) {
	success := false
	defer func() {
		if success {
			if err := s.Close(); err != nil {
				n.log.Warn("closing p2p stream", logger.Error(err))
			}
		} else if err := s.Reset(); err != nil {
			n.log.Warn("reset p2p stream", logger.Error(err))
		}
	}()
	// node should not wait here forever
	if err := s.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
		n.log.Warn("failed to set read deadline for stream", logger.Error(err))
		return
	}
	from := s.Conn().RemotePeer()
	reader := bufio.NewReader(s)
	for {
		data, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			n.log.Warn(fmt.Sprintf("reading message from %s", from), logger.Error(err))
			return
		}
		n.receivedMsg(context.Background(), "direct", from, data)
	}
	success = true
}

func (n *LedgerNetwork) receivedMsg(ctx context.Context, source string, from peer.ID, data []byte) {
	select {
	case n.received <- gossip.Inbound{From: from.String(), Payload: data}:
		n.mRecv.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	default:
		n.mDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
		n.log.Warn(fmt.Sprintf("dropping %s message from %s because of slow consumer", source, from))
	}
}

// Received returns channel of messages from other peers.
func (n *LedgerNetwork) Received() <-chan gossip.Inbound {
	return n.received
}

// Peers returns ids of the peers subscribed to the chain topic.
func (n *LedgerNetwork) Peers() []string {
	ids := n.topic.ListPeers()
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, id.String())
	}
	return res
}

// ID returns the peer id of this node.
func (n *LedgerNetwork) ID() string { return n.self.ID().String() }

// Peer returns the underlying libp2p peer.
func (n *LedgerNetwork) Peer() *Peer { return n.self }

func (n *LedgerNetwork) Close() error {
	n.self.RemoveProtocolHandler(ProtocolChainSync)
	n.sub.Cancel()
	return n.topic.Close()
}

func (n *LedgerNetwork) initMetrics(obs Observability) (err error) {
	m := obs.Meter("network")
	if n.mRecv, err = m.Int64Counter("messages.received",
		metric.WithDescription("Number of messages received from the network, by source"),
		metric.WithUnit("{message}")); err != nil {
		return fmt.Errorf("creating received messages counter: %w", err)
	}
	if n.mDropped, err = m.Int64Counter("messages.dropped",
		metric.WithDescription("Number of received messages dropped because of slow consumer"),
		metric.WithUnit("{message}")); err != nil {
		return fmt.Errorf("creating dropped messages counter: %w", err)
	}
	if _, err = m.Int64ObservableGauge("peers",
		metric.WithDescription("Number of peers subscribed to the chain topic"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(n.topic.ListPeers())), metric.WithAttributes(observability.NodeIDKey.String(n.ID())))
			return nil
		})); err != nil {
		return fmt.Errorf("creating peers gauge: %w", err)
	}
	return nil
}
