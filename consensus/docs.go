package consensus

//
//                 +--------------------------------------+
//                 v                                      |(block finalized, epoch+1)
//           +-----------+                                |
//  +------> |  Propose  | <---(view change quorum,       |
//  |        +-----+-----+      round+1)                  |
//  |              |(valid proposal accepted)             |
//  |              v                                      |
//  |        +-----------+                                |
//  |        |  Prevote  |                                |
//  |        +-----+-----+                                |
//  |              |(>=0.67 weighted approvals            |
//  |              | and >=min_vote_count votes)          |
//  |              v                                      |
//  |        +-----------+                                |
//  +--------+ Precommit |                                |
// (timeout  +-----+-----+                                |
//  at any         |(>=0.67 weighted approvals            |
//  step =>        | and >=min_vote_count votes)          |
//  view           v                                      |
//  change)  +-----------+                                |
//           |  Commit   +--------------------------------+
//           +-----------+
//
//State - 共识状态机，负责共识逻辑的推进，main goroutine
//	- RoundState - epoch/round/step和当前提案、投票集合
//	- ValidatorSet - 质押验证者registry，加权计票的依据
//	- Store - 敲定区块的账本，永不回滚
//	- ChangePool - 待打包的世界变更缓存
//	- TimeoutTicker - round step超时，超时即签发view change
//	- Reactor - 在consensus和p2p switch之间搬运消息
