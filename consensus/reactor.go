package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"worldbft_demo/types"
)

const (
	StateChannel    = byte(0x20)
	ProposalChannel = byte(0x21)
	VoteChannel     = byte(0x22)

	maxMsgSize = 1048576 // 1MB
)

// ------ Event ------
// reactor监听的consensus广播事件
const (
	EventNewProposal    = "NewProposal"
	EventNewVote        = "NewVote"
	EventNewViewChange  = "NewViewChange"
	EventNewBlock       = "NewBlock"
	EventSyncRequest    = "SyncRequest"
	EventSyncReply      = "SyncReply"
	EventRegistryUpdate = "RegistryUpdate"
)

// SyncReply 定向发给单个peer的sync应答，不走广播
type SyncReply struct {
	To  p2p.ID
	Msg *SyncResponseMessage
}

// ------- Reactor ------
// Reactor在consensus和p2p switch之间搬运消息：
// 入站消息解码后进peerMsgQueue，consensus验证通过的消息通过
// eventSwitch回到这里再广播出去。
type Reactor struct {
	p2p.BaseReactor

	peers *cmap.CMap

	consensus *State
}

type ReactorOption func(*Reactor)

func NewReactor(consensus *State, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers:     cmap.NewCMap(),
		consensus: consensus,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	conR.subscribeToBroadcastEvents()
	return nil
}

func (conR *Reactor) OnStop() {
	conR.Logger.Info("Consensus Reactor stopped.")
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 StateChannel,
			Priority:           6,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 ProposalChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 VoteChannel,
			Priority:           8,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Info("new peer added", "peer", peer.ID())
	conR.peers.Set(string(peer.ID()), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
}

// Receive 各channel各自解码，统一送进consensus的peerMsgQueue
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive while stopped", "src", src, "chID", chID)
		return
	}

	switch chID {
	case ProposalChannel:
		var proposal types.WorldStateProposal
		if err := tmjson.Unmarshal(msgBytes, &proposal); err != nil {
			conR.Logger.Error("try to unmarshal proposal failed", "err", err, "peer", src.ID())
			return
		}
		conR.consensus.SubmitPeerMessage(&ProposalMessage{Proposal: &proposal}, src.ID())

	case VoteChannel:
		// vote channel同时承载普通投票和view change
		var msg Message
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err, "peer", src.ID())
			return
		}
		switch msg.(type) {
		case *VoteMessage, *ViewChangeMessage:
			conR.consensus.SubmitPeerMessage(msg, src.ID())
		default:
			conR.Logger.Error(fmt.Sprintf("unexpected message type %T on vote channel", msg))
		}

	case StateChannel:
		// registry变更和sync走state channel
		var msg Message
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal state message failed", "err", err, "peer", src.ID())
			return
		}
		switch msg.(type) {
		case *ValidatorJoinMessage, *ValidatorLeaveMessage, *SlashingEvidenceMessage,
			*SyncRequestMessage, *SyncResponseMessage:
			conR.consensus.SubmitPeerMessage(msg, src.ID())
		default:
			conR.Logger.Error(fmt.Sprintf("unexpected message type %T on state channel", msg))
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents订阅consensus需要广播的消息
func (conR *Reactor) subscribeToBroadcastEvents() {
	const scriber = "consensus-reactor"

	// consensus已经验证过提案、投票的合法性，这里只要简单的广播即可
	// 退一步即使是恶意消息，接收者还需要判断
	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventNewProposal, func(data events.EventData) {
		conR.broadcast(ProposalChannel, data.(*types.WorldStateProposal))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventNewVote, func(data events.EventData) {
		conR.broadcastEnvelope(VoteChannel, &VoteMessage{Vote: data.(*types.Vote)})
	})

	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventNewViewChange, func(data events.EventData) {
		conR.broadcastEnvelope(VoteChannel, &ViewChangeMessage{ViewChange: data.(*types.ViewChangeVote)})
	})

	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventSyncRequest, func(data events.EventData) {
		conR.broadcastEnvelope(StateChannel, data.(*SyncRequestMessage))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventRegistryUpdate, func(data events.EventData) {
		conR.BroadcastStateMessage(data.(Message))
	})

	conR.consensus.eventSwitch.AddListenerForEvent(scriber, EventSyncReply, func(data events.EventData) {
		conR.sendSyncReply(data.(*SyncReply))
	})
}

func (conR *Reactor) broadcast(chID byte, msg interface{}) {
	raw, err := tmjson.Marshal(msg)
	if err != nil {
		conR.Logger.Error("Marshal broadcast message failed.", "err", err)
		return
	}
	conR.Switch.Broadcast(chID, raw)
}

// broadcastEnvelope 带type wrapper序列化，接收端解到Message接口
func (conR *Reactor) broadcastEnvelope(chID byte, msg Message) {
	raw, err := tmjson.Marshal(&msg)
	if err != nil {
		conR.Logger.Error("Marshal broadcast message failed.", "err", err)
		return
	}
	conR.Switch.Broadcast(chID, raw)
}

// sendSyncReply 只回给发起sync的那个peer
func (conR *Reactor) sendSyncReply(reply *SyncReply) {
	msg := Message(reply.Msg)
	raw, err := tmjson.Marshal(&msg)
	if err != nil {
		conR.Logger.Error("Marshal sync reply failed.", "err", err)
		return
	}

	peer, ok := conR.peers.Get(string(reply.To)).(p2p.Peer)
	if !ok || peer == nil {
		conR.Logger.Debug("sync requester is gone", "peer", reply.To)
		return
	}
	peer.Send(StateChannel, raw)
}

// BroadcastStateMessage 主动向全网广播registry消息（join/leave/evidence）
func (conR *Reactor) BroadcastStateMessage(msg Message) {
	conR.broadcastEnvelope(StateChannel, msg)
}
