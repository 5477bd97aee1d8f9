package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	cfg "worldbft_demo/config"
	cstype "worldbft_demo/consensus/types"
	"worldbft_demo/mempool"
	"worldbft_demo/store"
	"worldbft_demo/types"
)

// viewChangeReasonForStep maps the step that timed out to the reason carried
// in the resulting view change vote.
func viewChangeReasonForStep(step cstype.RoundStepType) types.ViewChangeReason {
	switch step {
	case cstype.RoundStepPrevote:
		return types.TimeoutPrevote
	case cstype.RoundStepPrecommit:
		return types.TimeoutPrecommit
	default:
		return types.TimeoutPropose
	}
}

// 共识状态机实现
// epoch内按Propose -> Prevote -> Precommit -> Commit推进，
// 敲定一个区块epoch加一；超时或坏提案触发view change，round加一。
type State struct {
	service.BaseService

	config  *cfg.ConsensusConfig
	chainID string

	// 本节点的签名身份。没有privVal的节点是纯观察者。
	privVal  types.PrivValidator
	addr     types.Address
	pubKey   crypto.PubKey
	ownStake uint64

	// masternode节点才会主动打包提案，其他节点只投票
	masternode bool

	// 敲定区块的账本
	blockStore store.Store

	// 待打包的世界变更
	changePool mempool.ChangePool

	// round step超时定时器
	timeoutTicker TimeoutTicker

	// 共识内部状态
	mtx sync.Mutex
	cstype.RoundState
	// 当前epoch收到过的提案，按proposal id索引
	proposals map[string]*types.WorldStateProposal
	// epoch超前的提案，等本地epoch追上后重放
	futureProposals map[uint64]*types.WorldStateProposal
	// sync状态采纳的peer声明
	syncClaims map[p2p.ID]*syncClaim

	// 通信管道
	peerMsgQueue     chan msgInfo       // 来自其他节点的消息
	internalMsgQueue chan msgInfo       // 内部生成的投票、提案
	eventSwitch      events.EventSwitch // consensus和reactor之间的事件模型

	metric *consensusMetric

	// 方便测试重写逻辑
	decideProposal func() *types.WorldStateProposal
}

// syncClaim 记录一个peer汇报的最新状态，凑够SyncPeerQuorum个一致的
// 声明才会采纳对方的共识状态。
type syncClaim struct {
	headHash string
	snapshot cstype.Snapshot
}

type StateOption func(*State)

// NewState wires the round machine over its collaborators. The node starts
// in epoch 0, round 0, waiting for a proposal.
func NewState(
	config *cfg.ConsensusConfig,
	chainID string,
	blockStore store.Store,
	changePool mempool.ChangePool,
	options ...StateOption,
) *State {
	cs := &State{
		config:     config,
		chainID:    chainID,
		blockStore: blockStore,
		changePool: changePool,
		RoundState: cstype.RoundState{
			CurrentEpoch:    0,
			CurrentRound:    0,
			Step:            cstype.RoundStepPropose,
			StartTime:       time.Now(),
			Votes:           cstype.NewRoundVoteSet(),
			ViewChangeVotes: make(map[string]*types.ViewChangeVote),
			Validators:      types.NewValidatorSet(nil),
		},
		proposals:        make(map[string]*types.WorldStateProposal),
		futureProposals:  make(map[uint64]*types.WorldStateProposal),
		syncClaims:       make(map[p2p.ID]*syncClaim),
		timeoutTicker:    NewTimeoutTicker(),
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		eventSwitch:      events.NewEventSwitch(),
		metric:           newConsensusMetric(),
	}
	cs.decideProposal = cs.defaultProposal

	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}

	return cs
}

// SetPrivValidator attaches the node's signing identity. Consensus artifacts
// are only cast when an identity is present.
func SetPrivValidator(privVal types.PrivValidator) StateOption {
	return func(cs *State) {
		pub, err := privVal.GetPubKey()
		if err != nil {
			panic(fmt.Sprintf("cannot get pubkey from priv validator: %v", err))
		}
		cs.privVal = privVal
		cs.pubKey = pub
		cs.addr = pub.Address()
	}
}

// SetOwnStake makes the node register itself as a validator on start,
// provided the stake clears the configured minimum.
func SetOwnStake(stake uint64) StateOption {
	return func(cs *State) {
		cs.ownStake = stake
	}
}

// SetMasternode marks the node as a proposer. Non-masternodes still vote
// and finalize, they just never batch proposals themselves.
func SetMasternode(on bool) StateOption {
	return func(cs *State) {
		cs.masternode = on
	}
}

// SetValidatorSet seeds the registry, typically from the genesis doc.
func SetValidatorSet(vals *types.ValidatorSet) StateOption {
	return func(cs *State) {
		cs.Validators = vals
	}
}

func (cs *State) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.timeoutTicker.SetLogger(logger)
}

func (cs *State) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.timeoutTicker.Start(); err != nil {
		return err
	}

	// 从账本恢复epoch进度
	if last, ok := cs.blockStore.LastFinalizedEpoch(); ok {
		if block := cs.blockStore.LoadBlock(last); block != nil {
			cs.CurrentEpoch = last + 1
			cs.LastFinalizedHash = block.BlockHash
		}
	}

	go cs.receiveRoutine()
	go cs.produceRoutine()

	// 自己质押达标就申请进registry
	if cs.privVal != nil && cs.ownStake >= cs.config.MinStake {
		cs.sendInternalMessage(msgInfo{&ValidatorJoinMessage{
			Address:     cs.addr,
			PubKey:      cs.pubKey,
			StakeAmount: cs.ownStake,
			Timestamp:   time.Now(),
		}, ""})
	}

	cs.scheduleRoundTimeout(cstype.RoundStepPropose)
	cs.Logger.Info("consensus routines started", "epoch", cs.CurrentEpoch)
	return nil
}

func (cs *State) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	if err := cs.timeoutTicker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop timeoutTicker", "error", err)
	}
	cs.Logger.Info("consensus server stopped.")
}

// receiveRoutine负责接收所有的消息
// 将原始的消息分类，传递给handleMsg
func (cs *State) receiveRoutine() {
	cs.Logger.Debug("consensus receive routine starts.")
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit.")
			return

		case msginfo := <-cs.peerMsgQueue:
			// 接收到其他节点的消息
			cs.handleMsg(msginfo)

		case msginfo := <-cs.internalMsgQueue:
			// 收到内部生成的投票or提案
			cs.handleMsg(msginfo)

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

// handleMsg 根据不同的消息类型进行操作
func (cs *State) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	msg, peerID := mi.Msg, mi.PeerID

	if err := msg.ValidateBasic(); err != nil {
		cs.Logger.Error("received invalid message", "err", err, "peer", peerID)
		return
	}

	switch msg := msg.(type) {
	case *ProposalMessage:
		cs.handleProposal(msg.Proposal, peerID)

	case *VoteMessage:
		cs.handleVote(msg.Vote, peerID)

	case *ViewChangeMessage:
		cs.handleViewChange(msg.ViewChange, peerID)

	case *ValidatorJoinMessage:
		cs.handleValidatorJoin(msg, peerID)

	case *ValidatorLeaveMessage:
		cs.Validators.Leave(msg.Address)
		cs.Logger.Info("validator left", "address", msg.Address)
		cs.publishRegistryUpdate(msg, peerID)

	case *SlashingEvidenceMessage:
		cs.handleSlashingEvidence(msg, peerID)

	case *SyncRequestMessage:
		cs.handleSyncRequest(msg, peerID)

	case *SyncResponseMessage:
		cs.handleSyncResponse(msg, peerID)

	default:
		cs.Logger.Error("unknown message type", "msg", fmt.Sprintf("%T", msg))
	}
}

// handleTimeout 当前round step超时，签发view change投票
func (cs *State) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Epoch != cs.CurrentEpoch || ti.Round != cs.CurrentRound {
		cs.Logger.Debug("ignoring stale timeout", "timeout", ti)
		return
	}
	cs.Logger.Info("round step timed out", "timeout", ti)

	cs.signViewChange(viewChangeReasonForStep(ti.Step))
}

// handleProposal 收到新的提案
// 依次核验：epoch、提案人身份、merkle root、每个变更、签名。
// 全部通过后进入Prevote并投出自己的赞成prevote。
func (cs *State) handleProposal(proposal *types.WorldStateProposal, peerID p2p.ID) {
	if proposal.Epoch < cs.CurrentEpoch {
		cs.Logger.Debug("rejecting proposal from older epoch",
			"proposal_epoch", proposal.Epoch, "current", cs.CurrentEpoch)
		return
	}

	if proposal.Epoch > cs.CurrentEpoch {
		// 自己是慢节点，先缓存，同时向全网要缺掉的区块
		if _, exist := cs.futureProposals[proposal.Epoch]; !exist {
			cs.futureProposals[proposal.Epoch] = proposal
			cs.Logger.Debug("caching future proposal", "epoch", proposal.Epoch)
			cs.requestSync()
		}
		return
	}

	if proposal.Round != cs.CurrentRound {
		cs.Logger.Debug("rejecting proposal from another round",
			"proposal_round", proposal.Round, "current", cs.CurrentRound)
		return
	}

	if cs.Step != cstype.RoundStepPropose {
		// 本round已经有一个有效提案了 不再接受其他提案
		cs.Logger.Debug("already voting a proposal this round", "proposal", proposal)
		return
	}

	if err := cs.verifyProposal(proposal); err != nil {
		cs.Logger.Error("received invalid proposal", "err", err, "peer", peerID)
		cs.signViewChange(types.InvalidProposal)
		return
	}

	cs.proposals[proposal.ProposalID.String()] = proposal
	cs.ActiveProposal = proposal.ProposalID
	cs.Votes.Reset()
	cs.updateStep(cstype.RoundStepPrevote)
	cs.scheduleRoundTimeout(cstype.RoundStepPrevote)
	cs.Validators.MarkActivity(proposal.Proposer, time.Now())
	cs.metric.MarkProposal(proposal)

	cs.Logger.Info("accepted proposal", "proposal", proposal)
	cs.eventSwitch.FireEvent(EventNewProposal, proposal)

	// 接受提案后立刻投出自己的prevote
	cs.signVote(types.PrevoteType, proposal.ProposalID, true)
}

// verifyProposal 有状态的提案检查，ValidateBasic之外的部分
func (cs *State) verifyProposal(proposal *types.WorldStateProposal) error {
	if !cs.Validators.IsActiveValidator(proposal.Proposer) {
		return fmt.Errorf("proposer %v is not an active validator", proposal.Proposer)
	}

	// MerkleRoot必须等于对变更重新计算的root
	if root := types.ChangeSetRoot(proposal.WorldChanges); root != proposal.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: claimed %s, computed %s", proposal.MerkleRoot, root)
	}

	// SkillEvolution要求变更自带的票数达到活跃验证者数量的60%
	required := uint32(float64(cs.Validators.ActiveCount()) * 0.6)
	for i := range proposal.WorldChanges {
		change := &proposal.WorldChanges[i]
		if change.Kind == types.ChangeSkillEvolution && change.ConsensusVotes < required {
			return fmt.Errorf("skill evolution %q has %d consensus votes, need %d",
				change.SkillName, change.ConsensusVotes, required)
		}
	}

	_, val := cs.Validators.GetByAddress(proposal.Proposer)
	if !val.PubKey.VerifySignature(types.ProposalSignBytes(cs.chainID, proposal), proposal.Signature) {
		return errors.New("verifying proposal signature failed")
	}
	return nil
}

// handleVote 收到投票，计票后检查是否跨过阈值。
// 两个条件缺一不可：赞成票的加权比例达到ConsensusThreshold，
// 且赞成票张数不少于MinVoteCount。
func (cs *State) handleVote(vote *types.Vote, peerID p2p.ID) {
	if vote.Epoch != cs.CurrentEpoch || vote.Round != cs.CurrentRound {
		cs.Logger.Debug("ignoring vote from another epoch/round", "vote", vote)
		return
	}
	if cs.ActiveProposal == nil || !bytes.Equal(cs.ActiveProposal, vote.ProposalID) {
		cs.Logger.Debug("ignoring vote for inactive proposal", "vote", vote)
		return
	}
	if !cs.Validators.IsActiveValidator(vote.Voter) {
		cs.Logger.Debug("ignoring vote from non-validator", "voter", vote.Voter)
		return
	}

	_, val := cs.Validators.GetByAddress(vote.Voter)
	if !val.PubKey.VerifySignature(types.VoteSignBytes(cs.chainID, vote), vote.Signature) {
		cs.Logger.Error("vote signature error", "vote", vote, "peer", peerID)
		return
	}

	if err := cs.Votes.AddVote(vote); err != nil {
		cs.Logger.Error("add vote failed", "err", err, "vote", vote)
		return
	}
	cs.Validators.MarkActivity(vote.Voter, time.Now())
	cs.Logger.Debug("added vote", "vote", vote)
	cs.eventSwitch.FireEvent(EventNewVote, vote)

	switch {
	case vote.Type == types.PrevoteType && cs.Step == cstype.RoundStepPrevote:
		if cs.thresholdReached(types.PrevoteType) {
			cs.enterPrecommit()
		}
	case vote.Type == types.PrecommitType && cs.Step == cstype.RoundStepPrecommit:
		if cs.thresholdReached(types.PrecommitType) {
			cs.enterCommit()
		}
	}
}

// thresholdReached 按加权比例和最低票数双重检查
func (cs *State) thresholdReached(voteType types.VoteType) bool {
	total := cs.Validators.TotalActivePower()
	if total == 0 {
		return false
	}

	var power float64
	if voteType == types.PrevoteType {
		power = cs.Votes.PrevotePower(cs.Validators)
	} else {
		power = cs.Votes.PrecommitPower(cs.Validators)
	}

	if power/total < cs.config.ConsensusThreshold {
		return false
	}
	return cs.Votes.ApproveCount(voteType) >= cs.config.MinVoteCount
}

// enterPrecommit prevote过阈值，广播自己的precommit
func (cs *State) enterPrecommit() {
	cs.Logger.Info("prevote threshold reached, entering precommit",
		"epoch", cs.CurrentEpoch, "round", cs.CurrentRound)
	cs.updateStep(cstype.RoundStepPrecommit)
	cs.scheduleRoundTimeout(cstype.RoundStepPrecommit)

	cs.signVote(types.PrecommitType, cs.ActiveProposal, true)
}

// enterCommit precommit过阈值，敲定区块
func (cs *State) enterCommit() {
	cs.updateStep(cstype.RoundStepCommit)

	if err := cs.finalizeProposal(); err != nil {
		cs.Logger.Error("finalize proposal failed", "err", err)
		// 敲定失败退回Propose等待view change把round推进
		cs.updateStep(cstype.RoundStepPropose)
	}
}

// finalizeProposal 将当前提案封装成FinalizedBlock写入账本，
// epoch加一、round归零，回到Propose等待下一个提案。
func (cs *State) finalizeProposal() error {
	proposal, ok := cs.proposals[cs.ActiveProposal.String()]
	if !ok {
		return fmt.Errorf("proposal not found: %X", cs.ActiveProposal)
	}

	block := types.NewFinalizedBlock(proposal, cs.Votes.PrecommitSignatures(), cs.LastFinalizedHash)
	if err := cs.blockStore.SaveBlock(block); err != nil {
		return err
	}

	if err := cs.changePool.Update(block.Epoch, block.WorldChanges); err != nil {
		cs.Logger.Error("change pool update failed", "err", err)
	}
	cs.Validators.IncrementBlocksProduced(block.Proposer)

	cs.Logger.Info("finalized block", "block", block)
	cs.metric.MarkFinalizedBlock(block)
	cs.eventSwitch.FireEvent(EventNewBlock, block)

	cs.LastFinalizedHash = block.BlockHash
	cs.enterNewEpoch(block.Epoch + 1)
	return nil
}

// enterNewEpoch 进入新的epoch，round状态全部清零
func (cs *State) enterNewEpoch(epoch uint64) {
	cs.CurrentEpoch = epoch
	cs.CurrentRound = 0
	cs.updateStep(cstype.RoundStepPropose)
	cs.StartTime = time.Now()
	cs.ActiveProposal = nil
	cs.Votes.Reset()
	cs.ViewChangeVotes = make(map[string]*types.ViewChangeVote)
	cs.proposals = make(map[string]*types.WorldStateProposal)

	cs.scheduleRoundTimeout(cstype.RoundStepPropose)
	cs.triggerFutureProposal(epoch)
}

// handleViewChange 收集view change投票。达到超过2/3验证者【数量】
// 的门槛后切换round。这里刻意用张数而不是加权：卡住的时候换轮次是
// 活性问题，不能让大户一家决定。
func (cs *State) handleViewChange(vc *types.ViewChangeVote, peerID p2p.ID) {
	if vc.Epoch != cs.CurrentEpoch {
		cs.Logger.Debug("ignoring view change from another epoch", "vc", vc)
		return
	}
	if vc.NewRound != cs.CurrentRound+1 {
		cs.Logger.Debug("ignoring view change for unexpected round", "vc", vc)
		return
	}
	if !cs.Validators.IsActiveValidator(vc.Voter) {
		cs.Logger.Debug("ignoring view change from non-validator", "voter", vc.Voter)
		return
	}

	_, val := cs.Validators.GetByAddress(vc.Voter)
	if !val.PubKey.VerifySignature(types.ViewChangeSignBytes(cs.chainID, vc), vc.Signature) {
		cs.Logger.Error("view change signature error", "vc", vc, "peer", peerID)
		return
	}

	cs.ViewChangeVotes[vc.Voter.String()] = vc
	cs.eventSwitch.FireEvent(EventNewViewChange, vc)

	if len(cs.ViewChangeVotes)*3 > cs.Validators.ActiveCount()*2 {
		cs.enterNewRound(vc.NewRound)
	}
}

// enterNewRound view change达成，进入同一epoch的下一round
func (cs *State) enterNewRound(round uint32) {
	cs.Logger.Info("view change quorum reached, entering new round",
		"epoch", cs.CurrentEpoch, "round", round)

	cs.CurrentRound = round
	cs.updateStep(cstype.RoundStepPropose)
	cs.StartTime = time.Now()
	cs.ActiveProposal = nil
	cs.Votes.Reset()
	cs.ViewChangeVotes = make(map[string]*types.ViewChangeVote)
	cs.metric.MarkViewChange()

	cs.scheduleRoundTimeout(cstype.RoundStepPropose)
}

func (cs *State) handleValidatorJoin(msg *ValidatorJoinMessage, peerID p2p.ID) {
	val := types.NewValidator(msg.PubKey, msg.StakeAmount)
	if err := cs.Validators.Join(val, cs.config.MinStake, cs.config.MaxValidators); err != nil {
		cs.Logger.Info("validator join rejected", "address", msg.Address, "err", err)
		return
	}
	cs.Logger.Info("validator joined", "address", msg.Address,
		"stake", msg.StakeAmount, "total", cs.Validators.Size())
	cs.publishRegistryUpdate(msg, peerID)
}

func (cs *State) handleSlashingEvidence(msg *SlashingEvidenceMessage, peerID p2p.ID) {
	deactivated := cs.Validators.Slash(msg.Accused, msg.EvidenceType)
	cs.metric.MarkSlashing()
	if deactivated {
		cs.Logger.Info("validator deactivated by slashing",
			"address", msg.Accused, "evidence", msg.EvidenceType)
	} else {
		cs.Logger.Info("validator slashed", "address", msg.Accused, "evidence", msg.EvidenceType)
	}
	cs.publishRegistryUpdate(msg, peerID)
}

// publishRegistryUpdate 只把本节点自己发起的registry消息交给reactor广播，
// peer转来的不再转发，避免消息在网络里打转
func (cs *State) publishRegistryUpdate(msg Message, peerID p2p.ID) {
	if peerID != "" {
		return
	}
	cs.eventSwitch.FireEvent(EventRegistryUpdate, msg)
}

// handleSyncRequest 落后节点来要区块，从账本取出回给它
func (cs *State) handleSyncRequest(msg *SyncRequestMessage, peerID p2p.ID) {
	last, ok := cs.blockStore.LastFinalizedEpoch()
	if !ok {
		cs.Logger.Debug("sync request but ledger is empty", "peer", peerID)
		return
	}

	to := msg.ToEpoch
	if to == 0 || to > last {
		to = last
	}

	resp := &SyncResponseMessage{
		Blocks: cs.blockStore.LoadBlockRange(msg.FromEpoch, to),
		State:  cs.RoundState.MakeSnapshot(),
	}
	cs.Logger.Info("answering sync request", "peer", peerID,
		"from", msg.FromEpoch, "to", to, "blocks", len(resp.Blocks))
	cs.eventSwitch.FireEvent(EventSyncReply, &SyncReply{To: peerID, Msg: resp})
}

// handleSyncResponse 合并sync回来的区块，有条件地采纳对方的状态。
// 区块只要通过ValidateBasic且不和本地已敲定的epoch冲突就合并；
// 整个共识状态（epoch、round、registry）必须等SyncPeerQuorum个不同
// peer汇报完全一致的最新区块、且对方epoch确实领先本地才会采纳，
// 防止单个恶意peer一条消息就把节点拽进假状态。
func (cs *State) handleSyncResponse(msg *SyncResponseMessage, peerID p2p.ID) {
	merged := 0
	for _, block := range msg.Blocks {
		if err := cs.blockStore.SaveBlock(block); err != nil {
			cs.Logger.Error("refusing synced block", "epoch", block.Epoch, "err", err, "peer", peerID)
			continue
		}
		merged++
	}
	if merged > 0 {
		cs.Logger.Info("merged synced blocks", "count", merged, "peer", peerID)
	}

	if msg.State.CurrentEpoch <= cs.CurrentEpoch {
		return
	}
	if peerID == "" {
		// 状态采纳只认真实peer的声明
		return
	}

	cs.syncClaims[peerID] = &syncClaim{
		headHash: msg.State.LastFinalizedHash.String(),
		snapshot: msg.State,
	}

	agreeing := 0
	for _, claim := range cs.syncClaims {
		if claim.headHash == msg.State.LastFinalizedHash.String() {
			agreeing++
		}
	}
	if agreeing < cs.config.SyncPeerQuorum {
		cs.Logger.Debug("sync state claim recorded, waiting for quorum",
			"peer", peerID, "agreeing", agreeing, "need", cs.config.SyncPeerQuorum)
		return
	}

	cs.Logger.Info("adopting remote consensus state",
		"epoch", msg.State.CurrentEpoch, "round", msg.State.CurrentRound, "peers", agreeing)
	cs.adoptSnapshot(msg.State)
	cs.syncClaims = make(map[p2p.ID]*syncClaim)
}

func (cs *State) adoptSnapshot(snap cstype.Snapshot) {
	if snap.Validators != nil {
		cs.Validators = snap.Validators.Copy()
	}
	cs.LastFinalizedHash = snap.LastFinalizedHash
	cs.CurrentEpoch = snap.CurrentEpoch
	cs.CurrentRound = snap.CurrentRound
	cs.updateStep(cstype.RoundStepPropose)
	cs.StartTime = time.Now()
	cs.ActiveProposal = nil
	cs.Votes.Reset()
	cs.ViewChangeVotes = make(map[string]*types.ViewChangeVote)
	cs.proposals = make(map[string]*types.WorldStateProposal)

	cs.scheduleRoundTimeout(cstype.RoundStepPropose)
	cs.triggerFutureProposal(snap.CurrentEpoch)
}

// signVote 签发自己的投票并通过internal chan送回receiveRoutine
func (cs *State) signVote(voteType types.VoteType, proposalID []byte, approve bool) {
	if cs.privVal == nil || !cs.Validators.IsActiveValidator(cs.addr) {
		return
	}
	if cs.Votes.HasVoted(cs.addr, voteType) {
		return
	}

	vote := &types.Vote{
		Type:       voteType,
		Approve:    approve,
		ProposalID: proposalID,
		Voter:      cs.addr,
		Epoch:      cs.CurrentEpoch,
		Round:      cs.CurrentRound,
		Timestamp:  time.Now(),
	}
	if err := cs.privVal.SignVote(cs.chainID, vote); err != nil {
		cs.Logger.Error("sign vote failed.", "error", err)
		return
	}

	cs.sendInternalMessage(msgInfo{&VoteMessage{Vote: vote}, ""})
}

// signViewChange 签发放弃当前round的投票
func (cs *State) signViewChange(reason types.ViewChangeReason) {
	if cs.privVal == nil || !cs.Validators.IsActiveValidator(cs.addr) {
		return
	}
	if _, voted := cs.ViewChangeVotes[cs.addr.String()]; voted {
		return
	}

	vc := &types.ViewChangeVote{
		Voter:     cs.addr,
		NewRound:  cs.CurrentRound + 1,
		Epoch:     cs.CurrentEpoch,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	if err := cs.privVal.SignViewChange(cs.chainID, vc); err != nil {
		cs.Logger.Error("sign view change failed.", "error", err)
		return
	}

	cs.sendInternalMessage(msgInfo{&ViewChangeMessage{ViewChange: vc}, ""})
}

// requestSync 发现自己落后时向全网索要缺失的区块
func (cs *State) requestSync() {
	if len(cs.addr) == 0 {
		return
	}
	cs.Logger.Info("requesting block sync", "from_epoch", cs.CurrentEpoch)
	cs.eventSwitch.FireEvent(EventSyncRequest, &SyncRequestMessage{
		Requester: cs.addr,
		FromEpoch: cs.CurrentEpoch,
	})
}

func (cs *State) triggerFutureProposal(epoch uint64) {
	proposal, exist := cs.futureProposals[epoch]
	if !exist {
		return
	}
	delete(cs.futureProposals, epoch)
	cs.sendInternalMessage(msgInfo{&ProposalMessage{Proposal: proposal}, ""})
}

func (cs *State) updateStep(step cstype.RoundStepType) {
	cs.Step = step
	cs.metric.MarkStep(step)
}

// scheduleRoundTimeout 为刚进入的step挂一个超时
func (cs *State) scheduleRoundTimeout(step cstype.RoundStepType) {
	var duration time.Duration
	switch step {
	case cstype.RoundStepPrevote:
		duration = cs.config.TimeoutPrevote
	case cstype.RoundStepPrecommit:
		duration = cs.config.TimeoutPrecommit
	default:
		duration = cs.config.TimeoutPropose
	}
	cs.timeoutTicker.ScheduleTimeout(timeoutInfo{
		Duration: duration,
		Epoch:    cs.CurrentEpoch,
		Round:    cs.CurrentRound,
		Step:     step,
	})
}

// ----- 对外只读接口 -----

// GetRoundState returns a copy of the live round state.
func (cs *State) GetRoundState() cstype.Snapshot {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.RoundState.MakeSnapshot()
}

// ConsensusStats 聚合给RPC和监控的只读统计
type ConsensusStats struct {
	Epoch              uint64  `json:"epoch"`
	Round              uint32  `json:"round"`
	Step               string  `json:"step"`
	ActiveValidators   int     `json:"active_validators"`
	TotalValidators    int     `json:"total_validators"`
	TotalStake         uint64  `json:"total_stake"`
	TotalActivePower   float64 `json:"total_active_power"`
	PendingChanges     int     `json:"pending_changes"`
	FinalizedBlocks    int     `json:"finalized_blocks"`
	LastFinalizedEpoch uint64  `json:"last_finalized_epoch"`
}

// GetStats snapshots the engine's aggregate counters.
func (cs *State) GetStats() ConsensusStats {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	stats := ConsensusStats{
		Epoch:            cs.CurrentEpoch,
		Round:            cs.CurrentRound,
		Step:             cs.Step.String(),
		ActiveValidators: cs.Validators.ActiveCount(),
		TotalValidators:  cs.Validators.Size(),
		TotalStake:       cs.Validators.TotalStake,
		TotalActivePower: cs.Validators.TotalActivePower(),
		PendingChanges:   cs.changePool.Size(),
		FinalizedBlocks:  cs.blockStore.Size(),
	}
	if last, ok := cs.blockStore.LastFinalizedEpoch(); ok {
		stats.LastFinalizedEpoch = last
	}
	return stats
}

// MetricJSON exposes the internal metric for the RPC surface.
func (cs *State) MetricJSON() string {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.metric.JSONString()
}

// String implements service.Service.
func (cs *State) String() string {
	// 不要在这里读共享字段
	return "ConsensusState"
}

// SubmitPeerMessage feeds an already decoded peer message into the state
// machine. Used by the reactor for everything arriving over the wire.
func (cs *State) SubmitPeerMessage(msg Message, peerID p2p.ID) {
	cs.peerMsgQueue <- msgInfo{msg, peerID}
}

// send a msg into the receiveRoutine regarding our own proposal or vote
// 直接写可能会因为receiveRoutine blocked从而导致本协程block
func (cs *State) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			cs.internalMsgQueue <- mi
		}()
	}
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}
