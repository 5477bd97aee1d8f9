package consensus

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	cstype "worldbft_demo/consensus/types"
	"worldbft_demo/types"
)

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		Step:        cstype.RoundStepPropose.String(),
		StepEntered: time.Now(),
	}
}

// consensusMetric 共识引擎的运行侧写，通过RPC以JSON暴露。
// 只在receiveRoutine里写，读取方拿到的是序列化快照。
type consensusMetric struct {
	Step        string    `json:"current_step"`
	StepEntered time.Time `json:"step_entered_at"`

	ProposalsSeen   uint64    `json:"proposals_seen"`
	LastProposer    string    `json:"last_proposer"`
	BlocksFinalized uint64    `json:"blocks_finalized"`
	LastBlockEpoch  uint64    `json:"last_block_epoch"`
	LastBlockTime   time.Time `json:"last_block_time"`

	ViewChanges    uint64 `json:"view_changes"`
	SlashingEvents uint64 `json:"slashing_events"`
}

func (cm *consensusMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkStep(step cstype.RoundStepType) {
	cm.Step = step.String()
	cm.StepEntered = time.Now()
}

func (cm *consensusMetric) MarkProposal(proposal *types.WorldStateProposal) {
	cm.ProposalsSeen++
	cm.LastProposer = proposal.Proposer.String()
}

func (cm *consensusMetric) MarkFinalizedBlock(block *types.FinalizedBlock) {
	cm.BlocksFinalized++
	cm.LastBlockEpoch = block.Epoch
	cm.LastBlockTime = time.Now()
}

func (cm *consensusMetric) MarkViewChange() {
	cm.ViewChanges++
}

func (cm *consensusMetric) MarkSlashing() {
	cm.SlashingEvents++
}
