package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"

	cstype "worldbft_demo/consensus/types"
	"worldbft_demo/types"
)

// ------ Message ------
// 所有进入receiveRoutine的消息的统一接口
type Message interface {
	ValidateBasic() error
}

func init() {
	tmjson.RegisterType(&ProposalMessage{}, "worldbft/Proposal")
	tmjson.RegisterType(&VoteMessage{}, "worldbft/Vote")
	tmjson.RegisterType(&ViewChangeMessage{}, "worldbft/ViewChange")
	tmjson.RegisterType(&ValidatorJoinMessage{}, "worldbft/ValidatorJoin")
	tmjson.RegisterType(&ValidatorLeaveMessage{}, "worldbft/ValidatorLeave")
	tmjson.RegisterType(&SlashingEvidenceMessage{}, "worldbft/SlashingEvidence")
	tmjson.RegisterType(&SyncRequestMessage{}, "worldbft/SyncRequest")
	tmjson.RegisterType(&SyncResponseMessage{}, "worldbft/SyncResponse")
}

type ProposalMessage struct {
	Proposal *types.WorldStateProposal `json:"proposal"`
}

func (msg *ProposalMessage) ValidateBasic() error {
	return msg.Proposal.ValidateBasic()
}

func (msg *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", msg.Proposal)
}

type VoteMessage struct {
	Vote *types.Vote `json:"vote"`
}

func (msg *VoteMessage) ValidateBasic() error {
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}

type ViewChangeMessage struct {
	ViewChange *types.ViewChangeVote `json:"view_change"`
}

func (msg *ViewChangeMessage) ValidateBasic() error {
	return msg.ViewChange.ValidateBasic()
}

func (msg *ViewChangeMessage) String() string {
	return fmt.Sprintf("[ViewChange %v]", msg.ViewChange)
}

// ValidatorJoinMessage 携带候选人的公钥和质押额申请进入registry。
// 地址必须等于公钥推导出来的地址，质押下限由共识配置检查。
type ValidatorJoinMessage struct {
	Address     types.Address `json:"address"`
	PubKey      crypto.PubKey `json:"pub_key"`
	StakeAmount uint64        `json:"stake_amount"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (msg *ValidatorJoinMessage) ValidateBasic() error {
	if msg.PubKey == nil {
		return errors.New("validator join without public key")
	}
	if !types.AddressEqual(msg.Address, msg.PubKey.Address()) {
		return errors.New("validator join address does not match public key")
	}
	if msg.StakeAmount == 0 {
		return errors.New("validator join with zero stake")
	}
	return nil
}

func (msg *ValidatorJoinMessage) String() string {
	return fmt.Sprintf("[ValidatorJoin %v stake=%d]", msg.Address, msg.StakeAmount)
}

type ValidatorLeaveMessage struct {
	Address   types.Address `json:"address"`
	Timestamp time.Time     `json:"timestamp"`
}

func (msg *ValidatorLeaveMessage) ValidateBasic() error {
	if len(msg.Address) == 0 {
		return errors.New("validator leave without address")
	}
	return nil
}

func (msg *ValidatorLeaveMessage) String() string {
	return fmt.Sprintf("[ValidatorLeave %v]", msg.Address)
}

// SlashingEvidenceMessage 指控某个验证者作恶的证据。
type SlashingEvidenceMessage struct {
	Accused      types.Address      `json:"accused"`
	EvidenceType types.SlashingType `json:"evidence_type"`
	Proof        []byte             `json:"proof"`
	Timestamp    time.Time          `json:"timestamp"`
}

func (msg *SlashingEvidenceMessage) ValidateBasic() error {
	if len(msg.Accused) == 0 {
		return errors.New("slashing evidence without accused address")
	}
	if !types.IsSlashingTypeValid(msg.EvidenceType) {
		return fmt.Errorf("invalid slashing type: %v", uint8(msg.EvidenceType))
	}
	return nil
}

func (msg *SlashingEvidenceMessage) String() string {
	return fmt.Sprintf("[SlashingEvidence against %v %v]", msg.Accused, msg.EvidenceType)
}

// SyncRequestMessage 落后节点向peer请求[FromEpoch, ToEpoch]的区块。
// ToEpoch为0表示到对方的最新epoch为止。
type SyncRequestMessage struct {
	Requester types.Address `json:"requester"`
	FromEpoch uint64        `json:"from_epoch"`
	ToEpoch   uint64        `json:"to_epoch"`
}

func (msg *SyncRequestMessage) ValidateBasic() error {
	if len(msg.Requester) == 0 {
		return errors.New("sync request without requester address")
	}
	if msg.ToEpoch != 0 && msg.ToEpoch < msg.FromEpoch {
		return fmt.Errorf("sync request range inverted: [%d, %d]", msg.FromEpoch, msg.ToEpoch)
	}
	return nil
}

func (msg *SyncRequestMessage) String() string {
	return fmt.Sprintf("[SyncRequest %v epochs=[%d,%d]]", msg.Requester, msg.FromEpoch, msg.ToEpoch)
}

// SyncResponseMessage 回应sync请求：一段区块加上发送方的状态快照。
// 区块必须逐个通过ValidateBasic才会被合并；快照只有在SyncPeerQuorum个
// 不同peer汇报同一个最新区块时才会被采纳。
type SyncResponseMessage struct {
	Blocks []*types.FinalizedBlock `json:"blocks"`
	State  cstype.Snapshot         `json:"state"`
}

func (msg *SyncResponseMessage) ValidateBasic() error {
	for i, block := range msg.Blocks {
		if err := block.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid block #%d in sync response: %w", i, err)
		}
	}
	return nil
}

func (msg *SyncResponseMessage) String() string {
	return fmt.Sprintf("[SyncResponse blocks=%d head_epoch=%d]", len(msg.Blocks), msg.State.CurrentEpoch)
}
