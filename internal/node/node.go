// Package node is the controller: the aggregate root wiring the packet
// codec, log, arbiter, topology, planner, addressing, link-state, and
// session layers together behind the small public API a UI or CLI
// consumes. Grounded on server.Server in source/server/server.go, the
// teacher's own aggregate root holding players, the raknet handler, a
// mutex, a running flag, and background update/cleanup loops.
package node

import (
	"fmt"
	"sync"
	"time"

	"meshchat/internal/addressing"
	"meshchat/internal/arbiter"
	"meshchat/internal/linkstate"
	"meshchat/internal/meshlog"
	"meshchat/internal/packet"
	"meshchat/internal/packetlog"
	"meshchat/internal/session"
	"meshchat/internal/topology"
	"meshchat/internal/transport"
)

// ChatMessage is one reassembled user-facing message delivered to this
// node, either addressed to it directly or (in spec.md's relay design)
// observed in passing as the final hop of a forwarded session.
type ChatMessage struct {
	Text      string
	SenderId  packet.NodeId
	Timestamp time.Time
}

// Controller is the single mutex-guarded aggregate root for one mesh node.
// Every inbound dispatch and user-initiated send acquires mu for the
// duration of its synchronous bookkeeping; blocking waits always release it
// first, per spec.md §5.
type Controller struct {
	mu sync.Mutex

	transport transport.Transport
	sender    *transport.PacketSender

	topo        *topology.Topology
	log         *packetlog.Log
	arb         *arbiter.Arbiter
	addressProt *addressing.Protocol
	linkProt    *linkstate.Protocol
	sessions    *session.Manager

	readyToSend *sync.Cond
	state       linkstate.State

	receiveQueue []ChatMessage

	stop chan struct{}
}

// New constructs a Controller and wires every component together, but does
// not start any background loops; call Run to do that.
func New(t transport.Transport) *Controller {
	topo := topology.New()
	log := packetlog.New()

	sender := transport.NewPacketSender(t)
	arb := arbiter.New(sender, log)
	sender.BindArbiter(arb)

	c := &Controller{
		transport:   t,
		sender:      sender,
		topo:        topo,
		log:         log,
		arb:         arb,
		addressProt: addressing.New(topo, arb),
		linkProt:    linkstate.New(topo, arb, log),
		sessions:    session.NewManager(topo, arb, log),
		stop:        make(chan struct{}),
	}
	c.readyToSend = sync.NewCond(&c.mu)
	c.sessions.OnMessage = c.onReassembled
	return c
}

// Run executes the node's full startup sequence (FINDING_NEIGHBORS through
// READY_TO_SEND) and then services inbound frames until Stop is called.
// Meant to run on its own goroutine, same as srv.Start() in
// source/server/server.go.
func (c *Controller) Run(nowMs uint32) {
	go c.readLoop()

	c.discoverNeighbors()

	id := c.addressProt.Start(c.topo.Neighbors(), nowMs)
	meshlog.SetNodeId(int(id))
	meshlog.Success("assigned node id %d", id)

	c.mu.Lock()
	c.state = linkstate.AssigningID
	c.mu.Unlock()

	c.pullTopology()

	c.mu.Lock()
	c.state = linkstate.ReadyToSend
	c.linkProt.SetState(linkstate.ReadyToSend)
	c.readyToSend.Broadcast()
	c.mu.Unlock()

	meshlog.Success("node ready to send")
	c.linkProt.SendUpdate()

	go c.linkProt.RunLivenessPinger(c.stop)
	go c.linkProt.RunLivenessSweeper(c.stop)
}

// Stop ends the node's background loops. Quitting is abrupt per spec.md
// §5; no session teardown is attempted.
func (c *Controller) Stop() {
	close(c.stop)
	c.transport.Close()
}

// discoverNeighbors gives one-hop neighbor discovery a fixed window to
// gather PING_PONG/LINK_STATE_UPDATE traffic before addressing starts.
func (c *Controller) discoverNeighbors() {
	c.mu.Lock()
	c.state = linkstate.FindingNeighbors
	c.mu.Unlock()
	time.Sleep(2 * time.Second)
}

// pullTopology runs the link-state protocol's gap-fill step, reliably
// requesting any missing LinkState entries from the chosen id provider.
func (c *Controller) pullTopology() {
	c.mu.Lock()
	c.state = linkstate.PullingTopology
	c.linkProt.SetState(linkstate.PullingTopology)
	neighbors := c.topo.Neighbors()
	c.mu.Unlock()

	provider, found := addressing.PickIdProvider(neighbors)
	if !found {
		return
	}

	missing := c.topo.MissingLinkStates()
	time.Sleep(time.Duration(len(missing)) * 3 * time.Second)
	c.linkProt.GapFill(provider)
}

// readLoop consumes inbound transport frames until the transport closes.
func (c *Controller) readLoop() {
	for {
		f, err := c.transport.Recv()
		if err != nil {
			return
		}
		c.handleFrame(f)
	}
}

func (c *Controller) handleFrame(f transport.Frame) {
	switch f.Kind {
	case transport.KindFree:
		c.arb.SetNetworkState(false, time.Now())
	case transport.KindBusy, transport.KindSending:
		c.arb.SetNetworkState(true, time.Now())
	case transport.KindDoneSending:
		c.arb.SetNetworkState(false, time.Now())
	case transport.KindData, transport.KindDataShort:
		c.handlePacketFrame(f.Payload)
	case transport.KindHello, transport.KindEnd:
		// emulator-link lifecycle only; nothing in the core reacts to these.
	}
}

func (c *Controller) handlePacketFrame(wire []byte) {
	p, err := packet.Decode(wire)
	if err != nil {
		meshlog.Warn("dropping malformed frame: %v", err)
		return
	}

	c.mu.Lock()
	c.log.RecordReceived(p, time.Now())
	self := c.topo.SelfId()
	var sender packet.NodeId
	if s, ok := p.(packet.Sourced); ok {
		sender = s.SenderID()
	}
	if sender != 0 && sender != self && !c.topo.IsNeighbor(sender) {
		c.linkProt.HandleNeighborActivity(sender)
	}
	c.mu.Unlock()

	c.dispatch(p)
}

// dispatch routes a decoded packet to its protocol. Link-state and
// addressing handlers only ever enqueue through the arbiter's
// non-blocking Schedule, so they run under the controller mutex, matching
// spec.md's single-dispatch-lock model. The session manager instead keeps
// its own internal mutex and is deliberately dispatched outside c.mu: a
// SESSION_UPDATE relay or a completed DATA reassembly can call all the way
// into a blocking reliable-send wait (seconds long), and spec.md §5 itself
// forbids holding the dispatch lock across a blocking wait.
func (c *Controller) dispatch(p packet.Packet) {
	switch pkt := p.(type) {
	case *packet.LinkStateUpdate:
		c.mu.Lock()
		c.linkProt.HandleLinkStateUpdate(pkt)
		c.mu.Unlock()
	case *packet.LinkStateRequest:
		c.mu.Lock()
		c.linkProt.HandleLinkStateRequest(pkt)
		c.mu.Unlock()
	case *packet.RequestID:
		c.mu.Lock()
		c.addressProt.HandleRequestID(pkt)
		c.mu.Unlock()
	case *packet.IssueID:
		c.mu.Lock()
		provider, _ := addressing.PickIdProvider(c.topo.Neighbors())
		expecting := c.topo.SelfId() == 0
		c.addressProt.HandleIssueID(pkt, provider, expecting)
		c.mu.Unlock()
	case *packet.SessionUpdate:
		c.sessions.HandleSessionUpdate(pkt)
	case *packet.Data:
		c.sessions.HandleData(pkt)
	case *packet.DataAck:
		c.sessions.HandleDataAck(pkt)
	case *packet.PingPong:
		// liveness traffic only; HandleNeighborActivity already ran above.
	}
}

// onReassembled is the session manager's callback once a message destined
// through (or to) this node completes.
func (c *Controller) onReassembled(sourceId packet.NodeId, packets []*packet.Data) {
	text := packet.ParsePackets(packets)
	msg := ChatMessage{Text: text, SenderId: sourceId, Timestamp: time.Now()}

	c.mu.Lock()
	c.receiveQueue = append(c.receiveQueue, msg)
	c.mu.Unlock()
}

// SendChatMessage splits text into DATA packets and starts a session
// addressed to every known node. Returns false if the text would require
// more than MaxPacketsPerSession packets.
func (c *Controller) SendChatMessage(text string) bool {
	c.mu.Lock()
	self := c.topo.SelfId()
	receivers := make(map[packet.NodeId]struct{})
	for _, id := range c.topo.TakenIds() {
		if id != self {
			receivers[id] = struct{}{}
		}
	}
	c.mu.Unlock()

	packets, err := packet.ParseText(text, 0, self, 0, 16)
	if err != nil {
		return false
	}

	c.sessions.SendPackets(packets, receivers, true)
	return true
}

// AwaitReadyToSend blocks until the node reaches READY_TO_SEND.
func (c *Controller) AwaitReadyToSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != linkstate.ReadyToSend {
		c.readyToSend.Wait()
	}
}

// ReceiveChatMessages drains and returns every message queued since the
// last call.
func (c *Controller) ReceiveChatMessages() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.receiveQueue
	c.receiveQueue = nil
	return out
}

func (c *Controller) NodeId() packet.NodeId { return c.topo.SelfId() }

func (c *Controller) TakenIds() []packet.NodeId { return c.topo.TakenIds() }

func (c *Controller) LinkStates() map[packet.NodeId]topology.LinkState { return c.topo.LinkStates() }

func (c *Controller) String() string {
	return fmt.Sprintf("node %d (state=%v)", c.topo.SelfId(), c.state)
}
