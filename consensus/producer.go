package consensus

import (
	"time"

	cstype "worldbft_demo/consensus/types"
	"worldbft_demo/types"
)

// produceRoutine 提案触发循环。两个触发源：
//   - change pool从空变非空
//   - BlockTime周期兜底，处理pool一直非空的情况
//
// 实际能不能提案由tryPropose持锁判断。
func (cs *State) produceRoutine() {
	ticker := time.NewTicker(cs.config.BlockTime)
	defer ticker.Stop()

	for {
		select {
		case <-cs.Quit():
			return
		case <-cs.changePool.ChangesAvailable():
			cs.tryPropose()
		case <-ticker.C:
			cs.tryPropose()
		}
	}
}

// tryPropose 凑够一个batch且round正处于Propose时发起提案
func (cs *State) tryPropose() {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if !cs.masternode || cs.privVal == nil || !cs.Validators.IsActiveValidator(cs.addr) {
		return
	}
	if cs.Step != cstype.RoundStepPropose {
		return
	}
	if cs.changePool.Size() < cs.config.BatchSize {
		return
	}

	proposal := cs.decideProposal()
	if proposal == nil {
		return
	}
	cs.Logger.Info("proposing batched world changes", "proposal", proposal)
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
}

// defaultProposal 默认生成提案的函数
func (cs *State) defaultProposal() *types.WorldStateProposal {
	changes := cs.changePool.ReapChanges(cs.config.BatchSize)
	if len(changes) == 0 {
		return nil
	}

	proposal := types.NewProposal(cs.addr, cs.CurrentEpoch, cs.CurrentRound, changes, cs.LastFinalizedHash)
	if err := cs.privVal.SignProposal(cs.chainID, proposal); err != nil {
		cs.Logger.Error("sign proposal failed", "err", err)
		return nil
	}
	return proposal
}
